package harness

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestGoldenScenarios runs every scenario under testdata/scenarios and
// compares its canonical trace against the matching golden file.
//
// Regenerate with: go test ./internal/harness -update
func TestGoldenScenarios(t *testing.T) {
	paths, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, paths, "no scenario files found")

	for _, path := range paths {
		path := path
		t.Run(filepath.Base(path), func(t *testing.T) {
			scenario, err := LoadScenario(path)
			require.NoError(t, err)
			RunWithGolden(t, scenario)
		})
	}
}

func TestGoldenTraceIsDeterministic(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/rollback_wins.yaml")
	require.NoError(t, err)

	first, err := Run(scenario)
	require.NoError(t, err)
	second, err := Run(scenario)
	require.NoError(t, err)

	require.Equal(t, first.Trace, second.Trace)
	require.Equal(t, first.Merge.Superseded, second.Merge.Superseded)
}
