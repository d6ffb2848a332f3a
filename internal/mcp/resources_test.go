package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseActionURI(t *testing.T) {
	tests := []struct {
		name      string
		uri       string
		wantID    string
		errSubstr string
	}{
		{name: "uuid", uri: "kaizen://actions/5f0c6a0e-8a4e-4c1e-9d57-0d1c7b2f3a11", wantID: "5f0c6a0e-8a4e-4c1e-9d57-0d1c7b2f3a11"},
		{name: "short id", uri: "kaizen://actions/act-1", wantID: "act-1"},
		{name: "empty id", uri: "kaizen://actions/", errSubstr: "empty action id"},
		{name: "wrong prefix", uri: "kaizen://diagnoses/d1", errSubstr: "expected prefix"},
		{name: "nested path", uri: "kaizen://actions/a1/learnings", errSubstr: "contains a slash"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := parseActionURI(tt.uri)
			if tt.errSubstr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errSubstr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, id)
		})
	}
}
