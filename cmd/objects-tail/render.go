package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/zeusync/liveobjects/sdk/go/liveobjects"
)

// Render writes m and everything reachable from it as an indented tree.
func Render(w io.Writer, m *liveobjects.LiveMap) error {
	return render(w, m, 0, map[string]bool{})
}

func render(w io.Writer, m *liveobjects.LiveMap, depth int, seen map[string]bool) error {
	indent := strings.Repeat("  ", depth)
	if depth == 0 {
		if _, err := fmt.Fprintf(w, "%s\n", m.ID()); err != nil {
			return err
		}
	}
	seen[m.ID()] = true
	defer delete(seen, m.ID())

	keys, err := m.Keys()
	if err != nil {
		return err
	}
	for _, key := range keys {
		child, ok, err := m.GetMap(key)
		if err != nil {
			return err
		}
		if ok {
			if seen[child.ID()] {
				if _, err := fmt.Fprintf(w, "%s  %s: %s (cycle)\n", indent, key, child.ID()); err != nil {
					return err
				}
				continue
			}
			if _, err := fmt.Fprintf(w, "%s  %s: %s\n", indent, key, child.ID()); err != nil {
				return err
			}
			if err := render(w, child, depth+1, seen); err != nil {
				return err
			}
			continue
		}
		counter, ok, err := m.GetCounter(key)
		if err != nil {
			return err
		}
		if ok {
			n, err := counter.Value()
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(w, "%s  %s: %s = %s\n", indent, key, counter.ID(), formatNumber(n)); err != nil {
				return err
			}
			continue
		}
		v, ok, err := m.Get(key)
		if err != nil {
			return err
		}
		if ok {
			if _, err := fmt.Fprintf(w, "%s  %s: %s\n", indent, key, FormatValue(v)); err != nil {
				return err
			}
		}
	}
	return nil
}

// DescribeUpdate turns a map update into one line per key, sorted.
func DescribeUpdate(m *liveobjects.LiveMap, u liveobjects.MapUpdate) []string {
	keys := make([]string, 0, len(u))
	for k := range u {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		if u[k] == liveobjects.MapChangeRemoved {
			lines = append(lines, fmt.Sprintf("- %s", k))
			continue
		}
		v, ok, err := m.Get(k)
		if err != nil {
			lines = append(lines, fmt.Sprintf("! %s: %v", k, err))
			continue
		}
		if !ok {
			lines = append(lines, fmt.Sprintf("~ %s", k))
			continue
		}
		lines = append(lines, fmt.Sprintf("+ %s = %s", k, FormatValue(v)))
	}
	return lines
}

// FormatValue prints a primitive the way it would be typed on the command
// line. Object references print their id.
func FormatValue(v liveobjects.Value) string {
	switch v.Kind {
	case liveobjects.ValueBool:
		return strconv.FormatBool(v.Bool)
	case liveobjects.ValueBytes:
		return "base64:" + base64.StdEncoding.EncodeToString(v.Bytes)
	case liveobjects.ValueNumber:
		return formatNumber(v.Number)
	case liveobjects.ValueString:
		return strconv.Quote(v.String)
	case liveobjects.ValueJSON:
		return string(v.JSON)
	case liveobjects.ValueObject:
		if v.Object != nil {
			return "<" + v.Object.ID() + ">"
		}
	}
	return "<invalid>"
}

// ParseValue reads a command line value: true/false, a number, a JSON
// object or array, base64:<data>, or else a string.
func ParseValue(raw string) liveobjects.Value {
	switch raw {
	case "true":
		return liveobjects.Bool(true)
	case "false":
		return liveobjects.Bool(false)
	}
	if n, err := strconv.ParseFloat(raw, 64); err == nil {
		return liveobjects.Number(n)
	}
	if strings.HasPrefix(raw, "base64:") {
		if b, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(raw, "base64:")); err == nil {
			return liveobjects.Bytes(b)
		}
	}
	trimmed := strings.TrimSpace(raw)
	if (strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[")) && json.Valid([]byte(trimmed)) {
		return liveobjects.JSON(json.RawMessage(trimmed))
	}
	return liveobjects.String(raw)
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
