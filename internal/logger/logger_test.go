// Copyright 2023 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logger

import (
	"bytes"
	"log/slog"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"

	"github.com/aviv-teaching/govfs/internal/config"
)

const (
	textTraceString   = `severity=TRACE message="TestLogs: www.traceExample.com"`
	textDebugString   = `severity=DEBUG message="TestLogs: www.debugExample.com"`
	textInfoString    = `severity=INFO message="TestLogs: www.infoExample.com"`
	textWarningString = `severity=WARNING message="TestLogs: www.warningExample.com"`
	textErrorString   = `severity=ERROR message="TestLogs: www.errorExample.com"`

	jsonTraceString   = `"severity":"TRACE","message":"TestLogs: www.traceExample.com"`
	jsonDebugString   = `"severity":"DEBUG","message":"TestLogs: www.debugExample.com"`
	jsonInfoString    = `"severity":"INFO","message":"TestLogs: www.infoExample.com"`
	jsonWarningString = `"severity":"WARNING","message":"TestLogs: www.warningExample.com"`
	jsonErrorString   = `"severity":"ERROR","message":"TestLogs: www.errorExample.com"`
)

type LoggerTest struct {
	suite.Suite
}

func TestLoggerSuite(t *testing.T) {
	suite.Run(t, new(LoggerTest))
}

func redirectLogsToGivenBuffer(buf *bytes.Buffer, level string) {
	var programLevel = new(slog.LevelVar)
	defaultLogger = slog.New(defaultLoggerFactory.createJsonOrTextHandler(buf, programLevel, "TestLogs: "))
	setLoggingLevel(level, programLevel)
}

func fetchLogOutputForSpecifiedSeverityLevel(level string, functions []func()) []string {
	var buf bytes.Buffer
	redirectLogsToGivenBuffer(&buf, level)

	var output []string
	for _, f := range functions {
		f()
		output = append(output, buf.String())
		buf.Reset()
	}
	return output
}

func getTestLoggingFunctions() []func() {
	return []func(){
		func() { Tracef("www.traceExample.com") },
		func() { Debugf("www.debugExample.com") },
		func() { Infof("www.infoExample.com") },
		func() { Warnf("www.warningExample.com") },
		func() { Errorf("www.errorExample.com") },
	}
}

func validateOutput(t *testing.T, expected []string, output []string) {
	for i := range output {
		if expected[i] == "" {
			assert.Equal(t, expected[i], output[i])
		} else {
			assert.True(t, regexp.MustCompile(regexp.QuoteMeta(expected[i])).MatchString(output[i]), output[i])
		}
	}
}

func validateLogOutputAtSpecifiedFormatAndSeverity(t *testing.T, format string, level string, expectedOutput []string) {
	defaultLoggerFactory.format = format
	output := fetchLogOutputForSpecifiedSeverityLevel(level, getTestLoggingFunctions())
	validateOutput(t, expectedOutput, output)
}

func (t *LoggerTest) TestTextFormatLogs_LogLevelOFF() {
	validateLogOutputAtSpecifiedFormatAndSeverity(t.T(), "text", config.OFF, []string{"", "", "", "", ""})
}

func (t *LoggerTest) TestTextFormatLogs_LogLevelERROR() {
	validateLogOutputAtSpecifiedFormatAndSeverity(t.T(), "text", config.ERROR, []string{"", "", "", "", textErrorString})
}

func (t *LoggerTest) TestTextFormatLogs_LogLevelWARNING() {
	validateLogOutputAtSpecifiedFormatAndSeverity(t.T(), "text", config.WARNING, []string{"", "", "", textWarningString, textErrorString})
}

func (t *LoggerTest) TestTextFormatLogs_LogLevelINFO() {
	validateLogOutputAtSpecifiedFormatAndSeverity(t.T(), "text", config.INFO, []string{"", "", textInfoString, textWarningString, textErrorString})
}

func (t *LoggerTest) TestTextFormatLogs_LogLevelDEBUG() {
	validateLogOutputAtSpecifiedFormatAndSeverity(t.T(), "text", config.DEBUG, []string{"", textDebugString, textInfoString, textWarningString, textErrorString})
}

func (t *LoggerTest) TestTextFormatLogs_LogLevelTRACE() {
	validateLogOutputAtSpecifiedFormatAndSeverity(t.T(), "text", config.TRACE, []string{textTraceString, textDebugString, textInfoString, textWarningString, textErrorString})
}

func (t *LoggerTest) TestJSONFormatLogs_LogLevelOFF() {
	validateLogOutputAtSpecifiedFormatAndSeverity(t.T(), "json", config.OFF, []string{"", "", "", "", ""})
}

func (t *LoggerTest) TestJSONFormatLogs_LogLevelERROR() {
	validateLogOutputAtSpecifiedFormatAndSeverity(t.T(), "json", config.ERROR, []string{"", "", "", "", jsonErrorString})
}

func (t *LoggerTest) TestJSONFormatLogs_LogLevelINFO() {
	validateLogOutputAtSpecifiedFormatAndSeverity(t.T(), "json", config.INFO, []string{"", "", jsonInfoString, jsonWarningString, jsonErrorString})
}

func (t *LoggerTest) TestJSONFormatLogs_LogLevelTRACE() {
	validateLogOutputAtSpecifiedFormatAndSeverity(t.T(), "json", config.TRACE, []string{jsonTraceString, jsonDebugString, jsonInfoString, jsonWarningString, jsonErrorString})
}

func (t *LoggerTest) TestSetLoggingLevel() {
	testData := []struct {
		inputLevel           string
		expectedProgramLevel slog.Level
	}{
		{config.TRACE, LevelTrace},
		{config.DEBUG, LevelDebug},
		{config.WARNING, LevelWarn},
		{config.ERROR, LevelError},
		{config.OFF, LevelOff},
	}

	for _, test := range testData {
		v := new(slog.LevelVar)
		setLoggingLevel(test.inputLevel, v)
		assert.Equal(t.T(), test.expectedProgramLevel, v.Level())
	}
}

func (t *LoggerTest) TestSetLogFormatToText() {
	defaultLoggerFactory = &loggerFactory{
		level:           config.INFO,
		logRotateConfig: config.DefaultLogRotateConfig(),
	}

	testData := []struct {
		format         string
		expectedOutput string
	}{
		{"text", textInfoString},
		{"json", jsonInfoString},
	}

	for _, test := range testData {
		SetLogFormat(test.format)

		var buf bytes.Buffer
		redirectLogsToGivenBuffer(&buf, defaultLoggerFactory.level)
		Infof("www.infoExample.com")
		output := buf.String()
		assert.True(t.T(), regexp.MustCompile(regexp.QuoteMeta(test.expectedOutput)).MatchString(output), output)
	}
}
