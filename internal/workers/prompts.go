package workers

import (
	"bytes"
	_ "embed"
	"fmt"
	"strings"
	"text/template"

	"github.com/danshapiro/poirot/internal/model"
)

//go:embed file_analysis.tmpl
var fileAnalysisTmpl string

//go:embed relationship.tmpl
var relationshipTmpl string

//go:embed directory.tmpl
var directoryTmpl string

var (
	fileAnalysisPrompt = template.Must(template.New("file-analysis").Parse(fileAnalysisTmpl))
	relationshipPrompt = template.Must(template.New("relationship").Parse(relationshipTmpl))
	directoryPrompt    = template.Must(template.New("directory").Parse(directoryTmpl))
)

// buildFileAnalysisPrompt renders the extraction prompt for one window of a
// file. startLine is 1-based; the numbered listing carries absolute numbers
// so windowed responses need no offset fixup.
func buildFileAnalysisPrompt(filePath, specialType string, lines []string, startLine int, windowed bool) string {
	var src strings.Builder
	for i, line := range lines {
		fmt.Fprintf(&src, "%d: %s\n", startLine+i, line)
	}
	var buf bytes.Buffer
	_ = fileAnalysisPrompt.Execute(&buf, struct {
		FilePath       string
		SpecialType    string
		Windowed       bool
		StartLine      int
		EndLine        int
		NumberedSource string
	}{
		FilePath:       filePath,
		SpecialType:    specialType,
		Windowed:       windowed,
		StartLine:      startLine,
		EndLine:        startLine + len(lines) - 1,
		NumberedSource: src.String(),
	})
	return buf.String()
}

func buildRelationshipPrompt(filePath string, primary model.POI, contextual []model.POI) string {
	var buf bytes.Buffer
	_ = relationshipPrompt.Execute(&buf, struct {
		FilePath string
		Primary  model.POI
		Context  []model.POI
	}{FilePath: filePath, Primary: primary, Context: contextual})
	return buf.String()
}

type directoryPromptFile struct {
	Path string
	POIs []model.POI
}

func buildDirectoryPrompt(dir string, files []directoryPromptFile) string {
	var buf bytes.Buffer
	_ = directoryPrompt.Execute(&buf, struct {
		DirectoryPath string
		Files         []directoryPromptFile
	}{DirectoryPath: dir, Files: files})
	return buf.String()
}
