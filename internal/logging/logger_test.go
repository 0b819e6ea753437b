/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/suite"
)

type LoggerTestSuite struct {
	suite.Suite
	prev int
}

func (s *LoggerTestSuite) SetupTest() {
	s.prev = Level()
}

func (s *LoggerTestSuite) TearDownTest() {
	SetLevel(s.prev)
}

func (s *LoggerTestSuite) TestLogColor() {
	SetLevel(LevelTrace)
	l := New("test", nil)

	l.Tracef("this is tracef %s", "hello world")
	l.Infof("this is infof %s", "hello world")
	l.Info("this is info")
	l.Debugf("this is debugf %s", "hello world")
	l.Warnf("this is warnf %s", "hello world")
	l.Errorf("this is errorf %s", "hello world")
	l.Error("this is error")
}

func (s *LoggerTestSuite) TestLevelFilter() {
	var out bytes.Buffer
	l := New("queue", &out)

	SetLevel(LevelWarn)
	l.Infof("hidden %d", 1)
	l.Debugf("hidden %d", 2)
	s.Require().Zero(out.Len())

	l.Warnf("shown %d", 3)
	line := out.String()
	s.Require().Contains(line, "Warn")
	s.Require().Contains(line, "shown 3")
	s.Require().Contains(line, "queue")
	s.Require().Contains(line, "logger_test.go:")
	s.Require().True(strings.HasSuffix(line, reset+"\n"))
}

func (s *LoggerTestSuite) TestNoPrint() {
	var out bytes.Buffer
	l := New("", &out)
	SetLevel(LevelNoPrint)
	l.Errorf("nothing")
	s.Require().Zero(out.Len())
}

func (s *LoggerTestSuite) TestSetLevelIgnoresOutOfRange() {
	SetLevel(LevelInfo)
	SetLevel(LevelNoPrint + 1)
	SetLevel(-1)
	s.Require().Equal(LevelInfo, Level())
}

func TestLoggerTestSuite(t *testing.T) {
	suite.Run(t, new(LoggerTestSuite))
}
