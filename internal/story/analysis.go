package story

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// DefaultStyle is the narrative style used when neither the request nor the
// configuration names one.
const DefaultStyle = "an engaging short story told by a narrator"

const narrateSystemPrompt = `You are a skilled storyteller. You turn transcripts of conversations, shows and recordings into vivid prose.

Rules:
- Stay faithful to the events, people and order of the transcript.
- Do not invent major events that did not happen.
- Lines may start with a [HH:MM:SS] timestamp; never copy timestamps into the story.
- Write plain prose without headings or markdown.`

const narratePromptTemplate = `Retell the following transcript as %s.

Transcript:
%s`

const analyzeSystemPrompt = `You are a precise transcript analyst. You answer questions about a transcript and point to the moments that support your answer.

Rules:
- Base every statement on the transcript.
- Timestamps use the HH:MM:SS format. Take them from the [HH:MM:SS] markers when present, otherwise estimate from the position in the text.
- Each timeframe describes one relevant moment, with endTime not before startTime.
- Return an empty timeframes array when nothing in the transcript is relevant.`

const analyzePromptTemplate = `Question: %s

Transcript:
%s`

// AnalysisSchema returns the JSON Schema of the analysis response.
func AnalysisSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"analysisText": map[string]any{
				"type":        "string",
				"description": "The answer to the question.",
			},
			"timeframes": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"startTime":   map[string]any{"type": "string", "description": "Start of the moment, HH:MM:SS."},
						"endTime":     map[string]any{"type": "string", "description": "End of the moment, HH:MM:SS."},
						"description": map[string]any{"type": "string", "description": "What happens in this moment."},
					},
					"required": []any{"startTime", "endTime", "description"},
				},
			},
		},
		"required": []any{"analysisText", "timeframes"},
	}
}

// parseAnalysis decodes the model output, repairing malformed JSON once.
func parseAnalysis(raw string) (*Analysis, error) {
	cleaned := stripMarkdown(raw)
	if cleaned == "" {
		return nil, errors.New("story: empty analysis")
	}

	var a Analysis
	err := json.Unmarshal([]byte(cleaned), &a)
	if err != nil {
		var syntaxErr *json.SyntaxError
		if !errors.As(err, &syntaxErr) {
			return nil, fmt.Errorf("story: decode analysis: %w", err)
		}
		fixed, rerr := jsonrepair.JSONRepair(cleaned)
		if rerr != nil {
			return nil, fmt.Errorf("story: repair analysis: %w", rerr)
		}
		a = Analysis{}
		if err := json.Unmarshal([]byte(fixed), &a); err != nil {
			return nil, fmt.Errorf("story: decode repaired analysis: %w", err)
		}
	}

	if strings.TrimSpace(a.AnalysisText) == "" {
		return nil, errors.New("story: analysis has no analysisText")
	}
	frames := make([]Timeframe, 0, len(a.Timeframes))
	for _, tf := range a.Timeframes {
		if strings.TrimSpace(tf.Description) == "" && tf.StartTime == "" {
			continue
		}
		frames = append(frames, tf)
	}
	a.Timeframes = frames
	a.Degraded = false
	return &a, nil
}

// stripMarkdown removes optional markdown code fences (```json ... ```) that
// some models wrap around JSON output.
func stripMarkdown(s string) string {
	s = strings.TrimSpace(s)
	for _, prefix := range []string{"```json", "```"} {
		if after, ok := strings.CutPrefix(s, prefix); ok {
			s = after
			break
		}
	}
	if before, ok := strings.CutSuffix(s, "```"); ok {
		s = before
	}
	return strings.TrimSpace(s)
}
