package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medlabel/internal/services"
)

func TestParseStart(t *testing.T) {
	req, err := parseDirectives("start", []string{
		"-name", "line-1", "-source", "rtsp://cam/1", "-endpoint", "http://hook", "-rotation", "ROTATE_180", "-model", "label-v1",
	})
	require.NoError(t, err)
	require.Len(t, req.Commands, 1)
	assert.Equal(t, &services.Directive{
		Command:     services.CommandStart,
		Name:        "line-1",
		InputURL:    "rtsp://cam/1",
		CallbackURL: "http://hook",
		Rotation:    "ROTATE_180",
		ModelName:   "label-v1",
	}, req.Commands[0])
}

func TestParseStopSeveral(t *testing.T) {
	req, err := parseDirectives("STOP", []string{"-name", "a, b,,c"})
	require.NoError(t, err)
	require.Len(t, req.Commands, 3)
	assert.Equal(t, "b", req.Commands[1].Name)
	assert.Equal(t, services.CommandStop, req.Commands[2].Command)
}

func TestParseErrors(t *testing.T) {
	_, err := parseDirectives("start", nil)
	assert.Error(t, err)

	_, err = parseDirectives("pause", []string{"-name", "a"})
	assert.Error(t, err)
}
