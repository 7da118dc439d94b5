package models_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/objsync/internal/models"
)

func TestRanges_Add(t *testing.T) {
	tests := []struct {
		name string
		add  []models.Range
		want models.Ranges
	}{
		{
			name: "disjoint stay apart",
			add:  []models.Range{{Start: 10, End: 20}, {Start: 0, End: 5}},
			want: models.Ranges{{Start: 0, End: 5}, {Start: 10, End: 20}},
		},
		{
			name: "adjacent coalesce",
			add:  []models.Range{{Start: 0, End: 5}, {Start: 5, End: 9}},
			want: models.Ranges{{Start: 0, End: 9}},
		},
		{
			name: "overlap coalesce",
			add:  []models.Range{{Start: 4, End: 8}, {Start: 0, End: 6}},
			want: models.Ranges{{Start: 0, End: 8}},
		},
		{
			name: "bridge several",
			add:  []models.Range{{Start: 0, End: 2}, {Start: 4, End: 6}, {Start: 8, End: 10}, {Start: 1, End: 9}},
			want: models.Ranges{{Start: 0, End: 10}},
		},
		{
			name: "contained",
			add:  []models.Range{{Start: 0, End: 10}, {Start: 3, End: 4}},
			want: models.Ranges{{Start: 0, End: 10}},
		},
		{
			name: "empty ignored",
			add:  []models.Range{{Start: 3, End: 3}},
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var rs models.Ranges
			for _, r := range tt.add {
				rs = rs.Add(r)
			}
			if tt.want == nil {
				assert.Empty(t, rs)
				return
			}
			assert.Equal(t, tt.want, rs)
		})
	}
}

func TestRanges_CoversAndMissing(t *testing.T) {
	rs := models.Ranges{{Start: 0, End: 4}, {Start: 6, End: 10}}

	assert.True(t, rs.Covers(0, 4))
	assert.True(t, rs.Covers(7, 9))
	assert.False(t, rs.Covers(3, 7))
	assert.False(t, rs.Covers(0, 10))
	assert.Equal(t, int64(8), rs.Total())
	assert.Equal(t, models.Ranges{{Start: 4, End: 6}, {Start: 10, End: 12}}, rs.Missing(12))
	assert.Empty(t, models.Ranges{{Start: 0, End: 12}}.Missing(12))
}

func TestDownloadInfo_OutOfOrderCover(t *testing.T) {
	info := &models.DownloadInfo{TotalSize: 100}

	info.Cover(50, 80)
	info.Cover(0, 20)
	info.Cover(70, 100)
	assert.False(t, info.Done)

	info.Cover(10, 55)
	assert.True(t, info.Done)
	assert.Equal(t, models.Ranges{{Start: 0, End: 100}}, info.CoveredRanges)
}

func TestDownloadInfo_JSON(t *testing.T) {
	info := models.DownloadInfo{TotalSize: 10, CoveredRanges: models.Ranges{{Start: 0, End: 3}, {Start: 5, End: 7}}}

	data, err := json.Marshal(info)
	require.NoError(t, err)
	assert.JSONEq(t, `{"totalSize":10,"coveredRanges":[[0,3],[5,7]],"done":false}`, string(data))

	var back models.DownloadInfo
	require.NoError(t, json.Unmarshal([]byte(`{"totalSize":10,"coveredRanges":[[5,7],[0,3],[3,4]]}`), &back))
	assert.Equal(t, models.Ranges{{Start: 0, End: 4}, {Start: 5, End: 7}}, back.CoveredRanges)
}

func TestUploadInfo_JSON(t *testing.T) {
	info := models.UploadInfo{TransactionID: "tx-1", HeaderUploaded: true, SegsUploaded: 4, SegsTotal: 9}

	data, err := json.Marshal(info)
	require.NoError(t, err)
	assert.JSONEq(t, `{"transactionId":"tx-1","headerUploaded":true,"segsUploaded":4,"segsTotal":9,"done":false}`, string(data))
}
