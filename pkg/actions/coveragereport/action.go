// Package coveragereport provides the coverage/report reusable action.
package coveragereport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/crankci/crank/pkg/models"
)

// Matches the last percentage in a coverage summary, e.g.
// "total: (statements) 81.4%".
var percentPattern = regexp.MustCompile(`(\d+(?:\.\d+)?)%`)

func GetCoverageActionSchema() *models.RegisteredComponent {
	return &models.RegisteredComponent{
		Type:        "coverage/report",
		Name:        "Report coverage",
		Description: "Parses a coverage summary file and emits the coverage output",
		Schema: &models.JSONSchema{
			Type: "object",
			Properties: map[string]*models.Property{
				"file": {
					Type:        "string",
					Description: "Coverage summary file relative to the job working directory",
				},
			},
			Required: []string{"file"},
		},
	}
}

type CoverageAction struct {
	file string
}

func NewCoverageAction(params map[string]any) (*CoverageAction, error) {
	file, _ := params["file"].(string)
	if file == "" {
		return nil, errors.New("coverage/report requires a file parameter")
	}

	return &CoverageAction{file: file}, nil
}

func (a *CoverageAction) Execute(ctx context.Context, stepCtx models.StepContext, logger *slog.Logger) (map[string]string, error) {
	logger = logger.With("action_type", "coverage/report", "file", a.file)

	source := a.file
	if !filepath.IsAbs(source) {
		source = filepath.Join(stepCtx.WorkingDir, source)
	}

	content, err := os.ReadFile(source)
	if err != nil {
		return nil, fmt.Errorf("read coverage summary %s: %w", a.file, err)
	}

	matches := percentPattern.FindAllStringSubmatch(string(content), -1)
	if len(matches) == 0 {
		return nil, fmt.Errorf("no coverage percentage found in %s", a.file)
	}

	last := matches[len(matches)-1][1]

	percent, err := strconv.ParseFloat(last, 64)
	if err != nil {
		return nil, fmt.Errorf("parse coverage %q: %w", last, err)
	}

	logger.InfoContext(ctx, "Coverage measured", "percent", percent)

	return map[string]string{
		"coverage": strconv.FormatFloat(percent, 'f', -1, 64),
	}, nil
}
