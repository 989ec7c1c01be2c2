package config

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"
)

type iniData struct {
	sections map[string]map[string]string
}

// readINI parses a flat INI document. A missing file yields an empty document.
func readINI(path string) (iniData, error) {
	data := iniData{sections: map[string]map[string]string{"default": {}}}

	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return data, nil
		}
		return iniData{}, err
	}
	defer file.Close()

	section := "default"
	scanner := bufio.NewScanner(file)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.ToLower(strings.TrimSpace(line[1 : len(line)-1]))
			if section == "" {
				return iniData{}, fmt.Errorf("invalid section header at line %d", lineNo)
			}
			if _, ok := data.sections[section]; !ok {
				data.sections[section] = map[string]string{}
			}
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return iniData{}, fmt.Errorf("invalid line %d: %q", lineNo, line)
		}
		key = strings.ToLower(strings.TrimSpace(key))
		if key == "" {
			return iniData{}, fmt.Errorf("empty key at line %d", lineNo)
		}
		data.sections[section][key] = trimQuotes(strings.TrimSpace(value))
	}
	if err := scanner.Err(); err != nil {
		return iniData{}, err
	}
	return data, nil
}

func trimQuotes(value string) string {
	if len(value) < 2 {
		return value
	}
	first, last := value[0], value[len(value)-1]
	if (first == '"' || first == '\'') && first == last {
		return value[1 : len(value)-1]
	}
	return value
}

func (ini iniData) get(section, key string) string {
	section = strings.ToLower(section)
	if section == "" {
		section = "default"
	}
	if values, ok := ini.sections[section]; ok {
		return values[strings.ToLower(key)]
	}
	return ""
}

func (ini iniData) getDefault(section, key, fallback string) string {
	if value := ini.get(section, key); value != "" {
		return value
	}
	return fallback
}

func (ini iniData) getIntDefault(section, key string, fallback int) int {
	return parseIntDefault(ini.get(section, key), fallback)
}

func (ini iniData) getBoolDefault(section, key string, fallback bool) bool {
	return parseBoolDefault(ini.get(section, key), fallback)
}

func (ini iniData) getDurationDefault(section, key string, fallback time.Duration) time.Duration {
	return parseDurationDefault(ini.get(section, key), fallback)
}

func parseIntDefault(value string, fallback int) int {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseBoolDefault(value string, fallback bool) bool {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback
	}
	switch strings.ToLower(value) {
	case "yes", "on":
		return true
	case "no", "off":
		return false
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseDurationDefault(value string, fallback time.Duration) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func splitList(value string) []string {
	out := []string{}
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
