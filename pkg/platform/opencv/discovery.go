package opencv

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/teslashibe/go-snapcam/pkg/device"
)

// discover lists V4L2 capture nodes under devDir in index order. Labels
// come from sysDir/<node>/name; metadata nodes (index != 0) are skipped.
func discover(ctx context.Context, devDir, sysDir string, requireDevice bool) ([]device.VideoDevice, error) {
	entries, err := os.ReadDir(devDir)
	if err != nil {
		return nil, fmt.Errorf("opencv: scan %s: %w", devDir, err)
	}

	type node struct {
		index int
		dev   device.VideoDevice
	}
	var nodes []node
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, ok := nodeIndex(e.Name())
		if !ok {
			continue
		}
		if requireDevice {
			info, err := e.Info()
			if err != nil || info.Mode()&os.ModeDevice == 0 {
				continue
			}
		}
		if !isCaptureNode(sysDir, e.Name()) {
			continue
		}
		label := readTrimmed(filepath.Join(sysDir, e.Name(), "name"))
		nodes = append(nodes, node{
			index: n,
			dev: device.VideoDevice{
				ID:     e.Name(),
				Label:  label,
				Facing: device.GuessFacing(label),
			},
		})
	}

	sort.Slice(nodes, func(i, j int) bool { return nodes[i].index < nodes[j].index })
	out := make([]device.VideoDevice, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.dev)
	}
	return out, nil
}

// nodeIndex parses "videoN".
func nodeIndex(name string) (int, bool) {
	rest, ok := strings.CutPrefix(name, "video")
	if !ok || rest == "" {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func isCaptureNode(sysDir, name string) bool {
	idx := readTrimmed(filepath.Join(sysDir, name, "index"))
	return idx == "" || idx == "0"
}

func readTrimmed(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}
