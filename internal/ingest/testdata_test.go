package ingest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/mrsinham/dicomharvest/internal/attribute"
	"github.com/stretchr/testify/require"
)

const mrImageStorage = "1.2.840.10008.5.1.4.1.1.4"

// instanceRaws is a minimal 2x2 16 bit MR image attribute list.
func instanceRaws(series string, i int) []attribute.Raw {
	return []attribute.Raw{
		{Tag: "0008,0016", Value: mrImageStorage},
		{Tag: "0008,0018", Value: fmt.Sprintf("1.2.3.%s.%d", series, i)},
		{Tag: "0008,0020", Value: "20240305"},
		{Tag: "0008,0060", Value: "MR"},
		{Tag: "0008,1030", Value: "Brain"},
		{Tag: "0008,103E", Value: series},
		{Tag: "0010,0010", Value: "DOE^JANE"},
		{Tag: "0020,0013", Value: strconv.Itoa(i + 1)},
		{Tag: "0028,0010", Value: "2"},
		{Tag: "0028,0011", Value: "2"},
		{Tag: "0028,0100", Value: "16"},
		{Tag: "0028,0103", Value: "0"},
	}
}

var rawPixels = []byte{1, 0, 2, 0, 3, 0, 4, 0}

func writeInstance(t *testing.T, dir string, i int, raws []attribute.Raw, pixels []byte, geometry *Geometry) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	base := filepath.Join(dir, strconv.Itoa(i))

	if raws == nil {
		raws = []attribute.Raw{}
	}
	data, err := json.Marshal(raws)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(base+tagsSuffix, data, 0o644))

	if pixels != nil {
		require.NoError(t, os.WriteFile(base+pixelSuffix, pixels, 0o644))
	}
	if geometry != nil {
		data, err := json.Marshal(geometry)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(base+geometrySuffix, data, 0o644))
	}
}

func writeStudy(t *testing.T, root string, info StudyInfo) {
	t.Helper()
	data, err := json.Marshal(info)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(root, StudyFileName), data, 0o644))
}
