package predict

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"visor/internal/pipeline"
)

// FileLabelSource loads class-name lists from label files next to the
// model (one class name per line, order defines the class index).
type FileLabelSource struct{}

// LoadLabels implements pipeline.LabelSource. The model path may point at
// the labels file itself or at a model file with a sibling labels.txt.
func (FileLabelSource) LoadLabels(modelPath string) ([]string, error) {
	path := modelPath
	if ext := filepath.Ext(path); ext != ".txt" {
		path = filepath.Join(filepath.Dir(path), "labels.txt")
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open labels file: %w", err)
	}
	defer f.Close()

	var labels []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		labels = append(labels, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read labels file: %w", err)
	}

	if len(labels) == 0 {
		return nil, fmt.Errorf("labels file %s is empty", path)
	}
	return labels, nil
}

// Ensure FileLabelSource implements pipeline.LabelSource
var _ pipeline.LabelSource = FileLabelSource{}
