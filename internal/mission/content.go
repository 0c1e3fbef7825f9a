package mission

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"html"
	"html/template"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// PairedQuestionToken marks where mission 7 shows the question another player asked.
const PairedQuestionToken = "{{PAIRED_QUESTION}}"

var ErrUnknownMission = errors.New("no content defined for mission")

//go:embed missions.yaml
var defaultCatalogYAML []byte

//go:embed wrapper.html
var wrapperHTML string

var wrapperTmpl = template.Must(template.New("wrapper").Parse(wrapperHTML))

// Email is the rendered subject and HTML body of one mission.
type Email struct {
	Subject string
	HTML    string
}

// Params carries substitution values. An empty PairedQuestion leaves the token untouched.
type Params struct {
	PairedQuestion string
}

// Catalog holds pre-rendered inner content for every mission and path.
type Catalog struct {
	fixed    map[int]variant
	branched map[int]map[Path]variant
}

type variant struct {
	Subject string
	Inner   string
}

type catalogFile struct {
	Missions map[int]missionDef `yaml:"missions"`
}

type missionDef struct {
	Subject string              `yaml:"subject"`
	Body    []block             `yaml:"body"`
	Paths   map[Path]variantDef `yaml:"paths"`
}

type variantDef struct {
	Subject string  `yaml:"subject"`
	Body    []block `yaml:"body"`
}

type block struct {
	Heading   string   `yaml:"heading"`
	P         string   `yaml:"p"`
	Tone      string   `yaml:"tone"`
	Box       *boxDef  `yaml:"box"`
	Signature bool     `yaml:"signature"`
	PS        []string `yaml:"ps"`
}

type boxDef struct {
	Title string  `yaml:"title"`
	Body  []block `yaml:"body"`
}

var (
	defaultOnce    sync.Once
	defaultCatalog *Catalog
	defaultErr     error
)

// DefaultCatalog returns the catalog compiled into the binary.
func DefaultCatalog() (*Catalog, error) {
	defaultOnce.Do(func() {
		defaultCatalog, defaultErr = LoadCatalog(defaultCatalogYAML)
	})
	return defaultCatalog, defaultErr
}

// Resolve renders a mission from the default catalog.
func Resolve(number int, path Path, params Params) (Email, error) {
	c, err := DefaultCatalog()
	if err != nil {
		return Email{}, err
	}
	return c.Resolve(number, path, params)
}

// LoadCatalog parses and validates a YAML mission catalog.
func LoadCatalog(raw []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("missions.yaml: %w", err)
	}
	c := &Catalog{
		fixed:    make(map[int]variant),
		branched: make(map[int]map[Path]variant),
	}
	for n, def := range file.Missions {
		if !ValidNumber(n) {
			return nil, fmt.Errorf("missions.yaml: mission %d out of range", n)
		}
		if len(def.Paths) == 0 {
			if strings.TrimSpace(def.Subject) == "" {
				return nil, fmt.Errorf("missions.yaml: mission %d has no subject", n)
			}
			c.fixed[n] = variant{Subject: def.Subject, Inner: renderBlocks(def.Body)}
			continue
		}
		paths := make(map[Path]variant, len(def.Paths))
		for _, p := range classifyOrder {
			vd, ok := def.Paths[p]
			if !ok || strings.TrimSpace(vd.Subject) == "" {
				return nil, fmt.Errorf("missions.yaml: mission %d missing %s branch", n, p)
			}
			paths[p] = variant{Subject: vd.Subject, Inner: renderBlocks(vd.Body)}
		}
		c.branched[n] = paths
	}
	for n := 1; n <= TotalMissions; n++ {
		_, fixed := c.fixed[n]
		_, branched := c.branched[n]
		if !fixed && !branched {
			return nil, fmt.Errorf("missions.yaml: mission %d is not defined", n)
		}
	}
	if v, ok := c.fixed[PairedRevealMission]; ok && !strings.Contains(v.Inner, PairedQuestionToken) {
		return nil, fmt.Errorf("missions.yaml: mission %d must contain %s", PairedRevealMission, PairedQuestionToken)
	}
	return c, nil
}

// Resolve returns the subject and wrapped HTML body for a mission. Branched missions
// fall back to the unknown path when path is unset.
func (c *Catalog) Resolve(number int, path Path, params Params) (Email, error) {
	v, err := c.lookup(number, path)
	if err != nil {
		return Email{}, err
	}
	inner := v.Inner
	if params.PairedQuestion != "" {
		inner = strings.ReplaceAll(inner, PairedQuestionToken, html.EscapeString(params.PairedQuestion))
	}
	body, err := wrap(inner)
	if err != nil {
		return Email{}, err
	}
	return Email{Subject: v.Subject, HTML: body}, nil
}

// Numbers lists the missions this catalog defines, ascending.
func (c *Catalog) Numbers() []int {
	out := make([]int, 0, len(c.fixed)+len(c.branched))
	for n := range c.fixed {
		out = append(out, n)
	}
	for n := range c.branched {
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}

// Branched reports whether a mission's content depends on the player's path.
func (c *Catalog) Branched(number int) bool {
	_, ok := c.branched[number]
	return ok
}

func (c *Catalog) lookup(number int, path Path) (variant, error) {
	if v, ok := c.fixed[number]; ok {
		return v, nil
	}
	if paths, ok := c.branched[number]; ok {
		return paths[path.OrUnknown()], nil
	}
	return variant{}, fmt.Errorf("%w %d", ErrUnknownMission, number)
}

func wrap(inner string) (string, error) {
	var buf bytes.Buffer
	if err := wrapperTmpl.Execute(&buf, struct{ Inner template.HTML }{template.HTML(inner)}); err != nil {
		return "", fmt.Errorf("render wrapper: %w", err)
	}
	return buf.String(), nil
}

const (
	colorBody   = "#cccccc"
	colorBright = "#ffffff"
	colorAccent = "#7dd3c0"
)

func renderBlocks(blocks []block) string {
	var sb strings.Builder
	for _, b := range blocks {
		switch {
		case b.Heading != "":
			fmt.Fprintf(&sb, "\n  <h2 style=\"color: %s; font-size: 16px; font-weight: 600; margin: 0 0 30px 0; letter-spacing: 0.5px;\">%s</h2>", colorAccent, b.Heading)
		case b.P != "":
			sb.WriteString("\n  ")
			sb.WriteString(paragraph(b.P, toneColor(b.Tone)))
		case b.Box != nil:
			fmt.Fprintf(&sb, "\n  <div style=\"background-color: #0d0d0d; border-left: 3px solid %s; padding: 20px 24px; margin: 30px 0;\">", colorAccent)
			fmt.Fprintf(&sb, "\n  <p style=\"color: %s; font-size: 12px; font-weight: 600; letter-spacing: 2px; text-transform: uppercase; margin: 0 0 12px 0;\">%s</p>", colorAccent, b.Box.Title)
			sb.WriteString(renderBlocks(b.Box.Body))
			sb.WriteString("\n  </div>")
		case b.Signature:
			fmt.Fprintf(&sb, "\n  <p style=\"font-size: 16px; line-height: 1.7; color: %s; margin: 30px 0 0 0;\">&rarr; L.</p>", colorAccent)
		case len(b.PS) > 0:
			sb.WriteString("\n  <div style=\"border-top: 1px solid #222; padding-top: 20px; margin-top: 30px;\">")
			for i, line := range b.PS {
				fmt.Fprintf(&sb, "\n    <p style=\"font-size: 14px; color: #555; margin: 0 0 8px 0;\"><strong style=\"color: #666;\">%s</strong> %s</p>", postscriptLabel(i), line)
			}
			sb.WriteString("\n  </div>")
		}
	}
	return sb.String()
}

func paragraph(text, color string) string {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	return fmt.Sprintf("<p style=\"font-size: 16px; line-height: 1.7; color: %s; margin: 0 0 20px 0;\">%s</p>", color, strings.Join(lines, "<br>"))
}

func toneColor(tone string) string {
	switch tone {
	case "bright":
		return colorBright
	case "accent":
		return colorAccent
	default:
		return colorBody
	}
}

func postscriptLabel(i int) string {
	return strings.Repeat("P.", i+1) + "S."
}
