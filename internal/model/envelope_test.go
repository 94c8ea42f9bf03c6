package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnvelope_Text(t *testing.T) {
	tests := []struct {
		name string
		env  Envelope
		want string
	}{
		{name: "clean body wins", env: Envelope{BodyPreview: "I would like to know", CleanBody: "I would like to know about my order #123 status."}, want: "I would like to know about my order #123 status."},
		{name: "preview fallback", env: Envelope{BodyPreview: " Test body "}, want: "Test body"},
		{name: "blank clean body", env: Envelope{BodyPreview: "Test body", CleanBody: "   "}, want: "Test body"},
		{name: "empty", env: Envelope{}, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.env.Text())
		})
	}
}
