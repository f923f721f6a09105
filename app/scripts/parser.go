// Package scripts discovers automation scripts under the trusted root and
// extracts their documentation from comment-based help blocks.
package scripts

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
)

// headerLimit bounds how much of a script file is read for metadata,
// help blocks live at the top of the file
const headerLimit = 16 * 1024

// Help is the documentation extracted from a script header
type Help struct {
	Synopsis    string   `json:"synopsis"`
	Description string   `json:"description,omitempty"`
	Parameters  []Param  `json:"parameters"`
	Examples    []string `json:"examples,omitempty"`
	Notes       string   `json:"notes,omitempty"`
}

// Param describes one declared script parameter
type Param struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	Mandatory bool   `json:"mandatory"`
	Default   string `json:"default,omitempty"`
	Help      string `json:"help,omitempty"`
}

var (
	helpBlockRe = regexp.MustCompile(`(?s)<#(.*?)#>`)
	sectionRe   = regexp.MustCompile(`(?m)^\s*\.([A-Z]+)(?:\s+(\S.*))?$`)
	mandatoryRe = regexp.MustCompile(`(?i)Mandatory\s*=\s*\$true`)
	typeRe      = regexp.MustCompile(`\[([a-zA-Z][a-zA-Z0-9.\[\]]*)\]\s*\$`)
	paramDeclRe = regexp.MustCompile(`\$(\w+)\s*(?:=\s*([^,\r\n]+))?\s*$`)
)

// ParseFile reads the script header and extracts help and parameter metadata.
// Only the first part of the file is read.
func ParseFile(path string) (Help, error) {
	f, err := os.Open(path) //nolint:gosec // paths come from the scanner walk
	if err != nil {
		return Help{}, fmt.Errorf("failed to open script %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck // read-only

	head, err := io.ReadAll(io.LimitReader(f, headerLimit))
	if err != nil {
		return Help{}, fmt.Errorf("failed to read script %s: %w", path, err)
	}
	return Parse(string(head)), nil
}

// Parse extracts help from raw script text
func Parse(src string) Help {
	help := parseHelpBlock(src)
	help.Parameters = parseParamBlock(src, help.Parameters)
	if help.Parameters == nil {
		help.Parameters = []Param{}
	}
	return help
}

// parseHelpBlock pulls the .SYNOPSIS style sections out of the first
// comment block
func parseHelpBlock(src string) Help {
	var help Help

	m := helpBlockRe.FindStringSubmatch(src)
	if m == nil {
		return help
	}
	block := m[1]

	locs := sectionRe.FindAllStringSubmatchIndex(block, -1)
	for i, loc := range locs {
		keyword := block[loc[2]:loc[3]]
		inline := ""
		if loc[4] >= 0 {
			inline = block[loc[4]:loc[5]]
		}
		end := len(block)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		body := sectionBody(inline, block[loc[1]:end])

		switch keyword {
		case "SYNOPSIS":
			help.Synopsis = body
		case "DESCRIPTION":
			help.Description = body
		case "PARAMETER":
			// ".PARAMETER Name" puts the name inline and the text below
			name := strings.Fields(inline)
			if len(name) > 0 {
				text := sectionBody("", block[loc[1]:end])
				help.Parameters = append(help.Parameters, Param{Name: name[0], Help: text})
			}
		case "EXAMPLE":
			if body != "" {
				help.Examples = append(help.Examples, body)
			}
		case "NOTES":
			help.Notes = body
		}
	}
	return help
}

// sectionBody joins the inline remainder and following lines into one
// normalized string
func sectionBody(inline, rest string) string {
	var parts []string
	if s := strings.TrimSpace(inline); s != "" {
		parts = append(parts, s)
	}
	for _, line := range strings.Split(rest, "\n") {
		if s := strings.TrimSpace(line); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n")
}

// parseParamBlock reads the param( ... ) declaration and merges types,
// mandatory flags and defaults into the parameters found in the help block
func parseParamBlock(src string, fromHelp []Param) []Param {
	block, ok := extractParamBlock(src)
	if !ok {
		return fromHelp
	}

	byName := map[string]int{}
	for i, p := range fromHelp {
		byName[strings.ToLower(p.Name)] = i
	}

	for _, decl := range splitDecls(block) {
		pm := paramDeclRe.FindStringSubmatch(strings.TrimSpace(decl))
		if pm == nil {
			continue
		}
		p := Param{Name: pm[1], Type: "string"}
		if tm := typeRe.FindStringSubmatch(decl); tm != nil {
			p.Type = strings.ToLower(tm[1])
		}
		p.Mandatory = mandatoryRe.MatchString(decl)
		if pm[2] != "" {
			p.Default = strings.Trim(strings.TrimSpace(pm[2]), `"'`)
		}

		if i, found := byName[strings.ToLower(p.Name)]; found {
			p.Help = fromHelp[i].Help
			fromHelp[i] = p
			continue
		}
		fromHelp = append(fromHelp, p)
	}
	return fromHelp
}

// extractParamBlock finds "param(" outside the help comment and returns the
// balanced parenthesized body
func extractParamBlock(src string) (string, bool) {
	lower := strings.ToLower(src)
	idx := strings.Index(lower, "param(")
	if idx < 0 {
		idx = strings.Index(lower, "param (")
	}
	if idx < 0 {
		return "", false
	}
	open := strings.Index(src[idx:], "(")
	if open < 0 {
		return "", false
	}
	start := idx + open + 1

	depth := 1
	for i := start; i < len(src); i++ {
		switch src[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return src[start:i], true
			}
		}
	}
	return "", false
}

// splitDecls splits the param block body on top-level commas so attribute
// arguments like [Parameter(Mandatory=$true)] stay intact
func splitDecls(block string) []string {
	var decls []string
	depth, last := 0, 0
	for i := 0; i < len(block); i++ {
		switch block[i] {
		case '(', '[':
			depth++
		case ')', ']':
			depth--
		case ',':
			if depth == 0 {
				decls = append(decls, block[last:i])
				last = i + 1
			}
		}
	}
	decls = append(decls, block[last:])
	return decls
}
