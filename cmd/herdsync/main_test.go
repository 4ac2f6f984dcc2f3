package main

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/unkn0wn-root/herdsync/config"
	"github.com/unkn0wn-root/herdsync/internal/app"
)

func failingFactory(context.Context, config.Config) (*app.App, error) {
	return nil, errors.New("factory should not be called")
}

func TestRun_Version(t *testing.T) {
	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)
	code := run(context.Background(), []string{"version"}, stdout, stderr, failingFactory)
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout.String(), "herdsync version")
	assert.Empty(t, stderr.String())
}

func TestRun_UnknownCommand(t *testing.T) {
	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)
	code := run(context.Background(), []string{"graze"}, stdout, stderr, failingFactory)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "Error: unknown command")
}

func TestRun_FactoryErrorIsReported(t *testing.T) {
	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)
	code := run(context.Background(), []string{"queue", "status", "--config", ""}, stdout, stderr, failingFactory)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "factory should not be called")
}
