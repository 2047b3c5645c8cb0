package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// MockClient provides fake AI responses for testing the pipeline without a
// live model, keyed by which persona's prompt the request looks like.
type MockClient struct {
	responses map[string]string
}

// NewMockClient creates a mock AI client for testing.
func NewMockClient() *MockClient {
	return &MockClient{
		responses: map[string]string{
			"architect": `{
				"chapter_outlines": [
					{"number": 1, "title": "El Despertar", "summary": "La protagonista descubre la carta de su padre.", "key_event": "encuentra la carta oculta", "emotional_arc": "confusión a determinación", "structural_role": ""},
					{"number": 2, "title": "El Umbral", "summary": "Cruza la frontera prohibida.", "key_event": "cruza el umbral", "emotional_arc": "miedo a resolución", "structural_role": "act1_turn"}
				],
				"plot_threads": [
					{"name": "la carta del padre", "description": "el secreto detrás de la desaparición", "goal": "revelar la verdad", "status": "active"}
				],
				"settings": ["la casa familiar", "la frontera norte"],
				"themes": ["pertenencia", "sacrificio"]
			}`,
			"scene_plan": `{
				"scenes": [
					{"scene_num": 1, "characters": ["Elena"], "setting": "ático familiar", "plot_beat": "encuentra la carta", "emotional_beat": "sorpresa", "ending_hook": "una dirección desconocida escrita al reverso"}
				]
			}`,
			"chapter_prose": "Elena subió al ático por primera vez en años. El polvo se arremolinaba en la luz que entraba por la ventana rota, y ahí, bajo una manta raída, encontró la carta que cambiaría todo.\n\nLa letra era la de su padre, inconfundible incluso después de una década. La dirección al reverso no significaba nada para ella todavía, pero el nudo en su estómago le decía que pronto lo haría.",
			"final_review": `{
				"score": 8.7,
				"issues": [
					{"category": "continuidad", "severity": "minor", "description": "el color de los ojos de Elena varía entre el capítulo 1 y el 4", "affected_chapters": [1, 4], "correction_instructions": "unificar la descripción al primer valor establecido"}
				]
			}`,
			"consistency_check": `{
				"is_valid": true,
				"new_facts": [
					{"entity_name": "Elena", "entity_type": "CHARACTER", "attributes": {"eyes": "verdes"}, "status": "active"}
				],
				"warnings": []
			}`,
		},
	}
}

func (m *MockClient) Complete(ctx context.Context, prompt string) (string, error) {
	return m.route(prompt), nil
}

func (m *MockClient) CompleteJSON(ctx context.Context, prompt string) (string, error) {
	response := m.route(prompt)
	var test interface{}
	if err := json.Unmarshal([]byte(response), &test); err != nil {
		return "", fmt.Errorf("mock response is not valid JSON: %w", err)
	}
	return response, nil
}

func (m *MockClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return m.route(systemPrompt + "\n" + userPrompt), nil
}

func (m *MockClient) CompleteJSONWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	response := m.route(systemPrompt + "\n" + userPrompt)
	var test interface{}
	if err := json.Unmarshal([]byte(response), &test); err != nil {
		return "", fmt.Errorf("mock response is not valid JSON: %w", err)
	}
	return response, nil
}

func (m *MockClient) route(prompt string) string {
	p := strings.ToLower(prompt)
	switch {
	case strings.Contains(p, "outline") || strings.Contains(p, "architect"):
		return m.responses["architect"]
	case strings.Contains(p, "write scene") || strings.Contains(p, "ghostwriter"):
		return m.responses["chapter_prose"]
	case strings.Contains(p, "scene"):
		return m.responses["scene_plan"]
	case strings.Contains(p, "review") || strings.Contains(p, "final reviewer"):
		return m.responses["final_review"]
	case strings.Contains(p, "consisten") || strings.Contains(p, "inquisidor"):
		return m.responses["consistency_check"]
	case strings.Contains(p, "write") || strings.Contains(p, "ghostwriter"):
		return m.responses["chapter_prose"]
	default:
		return `{"message": "mock response"}`
	}
}
