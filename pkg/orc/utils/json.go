package utils

import (
	"encoding/json"
	"strings"
)

// CleanJSONResponse removes markdown code blocks and cleans JSON for parsing.
// Review agents sometimes answer with a bare array of issues instead of an
// object, so both boundary shapes are recognized and the narrower one wins.
func CleanJSONResponse(response string) string {
	// Remove markdown code blocks
	response = strings.ReplaceAll(response, "```json", "")
	response = strings.ReplaceAll(response, "```", "")

	objStart, objEnd := strings.Index(response, "{"), strings.LastIndex(response, "}")
	arrStart, arrEnd := strings.Index(response, "["), strings.LastIndex(response, "]")

	start, end := objStart, objEnd
	if arrStart >= 0 && (start < 0 || arrStart < start) {
		start, end = arrStart, arrEnd
	}

	if start >= 0 && end > start {
		response = response[start : end+1]
	}

	// Clean common issues
	response = strings.TrimSpace(response)

	return response
}

// ParseJSONResponse parses a potentially messy AI JSON response
func ParseJSONResponse(response string, target interface{}) error {
	cleaned := CleanJSONResponse(response)
	return json.Unmarshal([]byte(cleaned), target)
}
