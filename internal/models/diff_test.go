package models_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/objsync/internal/models"
)

func TestParseDiffInfo(t *testing.T) {
	raw := `{"objVersion":5,"baseVersion":3,"segsSize":30,"sections":[[0,0,10],[1,0,15],[0,20,5]]}`

	d, err := models.ParseDiffInfo([]byte(raw))
	require.NoError(t, err)

	assert.Equal(t, models.Version(5), d.ObjVersion)
	assert.Equal(t, models.Version(3), d.BaseVersion)
	assert.Equal(t, int64(30), d.SegsSize)
	assert.Equal(t, []models.DiffSection{
		{IsNew: false, Offset: 0, Length: 10},
		{IsNew: true, Offset: 0, Length: 15},
		{IsNew: false, Offset: 20, Length: 5},
	}, d.Sections)
	assert.Equal(t, int64(15), d.NewBytesLength())

	data, err := json.Marshal(d)
	require.NoError(t, err)
	assert.JSONEq(t, raw, string(data))
}

func TestParseDiffInfo_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr string
	}{
		{name: "not json", raw: `{`, wantErr: "parse diff info"},
		{name: "no base", raw: `{"objVersion":2,"segsSize":0}`, wantErr: "base version is missing"},
		{name: "base not older", raw: `{"objVersion":2,"baseVersion":2,"segsSize":0}`, wantErr: "not older"},
		{name: "sections mismatch", raw: `{"objVersion":2,"baseVersion":1,"segsSize":9,"sections":[[1,0,4]]}`, wantErr: "cover 4 bytes"},
		{name: "bad flag", raw: `{"objVersion":2,"baseVersion":1,"segsSize":4,"sections":[[2,0,4]]}`, wantErr: "bad isNew flag"},
		{name: "negative", raw: `{"objVersion":2,"baseVersion":1,"segsSize":4,"sections":[[1,-1,4]]}`, wantErr: "negative bounds"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := models.ParseDiffInfo([]byte(tt.raw))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
