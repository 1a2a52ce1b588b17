package persona

import (
	"bytes"
	_ "embed"
	"io"
	"os"
	"strings"

	"github.com/go-go-golems/glazed/pkg/helpers/templating"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

//go:embed "default.yaml"
var defaultPersonaYAML []byte

// Persona is the letter and the instructions that shape every conversation.
// Instructions is a template rendered with the persona itself as data.
type Persona struct {
	Name            string `yaml:"name"`
	Title           string `yaml:"title,omitempty"`
	Description     string `yaml:"description,omitempty"`
	Recipient       string `yaml:"recipient,omitempty"`
	Language        string `yaml:"language,omitempty"`
	Placeholder     string `yaml:"placeholder,omitempty"`
	Letter          string `yaml:"letter,omitempty"`
	Instructions    string `yaml:"instructions"`
	Acknowledgement string `yaml:"acknowledgement,omitempty"`
}

func Load(r io.Reader) (*Persona, error) {
	p := &Persona{}
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(p); err != nil {
		return nil, errors.Wrap(err, "could not decode persona")
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func LoadFile(path string) (*Persona, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not open persona file %s", path)
	}
	defer func() {
		_ = f.Close()
	}()

	p, err := Load(f)
	if err != nil {
		return nil, errors.Wrapf(err, "could not load persona file %s", path)
	}
	return p, nil
}

// Default returns the persona shipped with the binary.
func Default() (*Persona, error) {
	return Load(bytes.NewReader(defaultPersonaYAML))
}

// LoadOrDefault loads path, or the default persona if path is empty.
func LoadOrDefault(path string) (*Persona, error) {
	if path == "" {
		return Default()
	}
	return LoadFile(path)
}

func (p *Persona) Validate() error {
	if strings.TrimSpace(p.Instructions) == "" {
		return errors.New("persona has no instructions")
	}
	return nil
}

// SystemInstruction renders the instructions template.
func (p *Persona) SystemInstruction() (string, error) {
	tmpl, err := templating.CreateTemplate("instructions").Parse(p.Instructions)
	if err != nil {
		return "", errors.Wrap(err, "could not parse persona instructions")
	}

	var buf strings.Builder
	if err := tmpl.Execute(&buf, p); err != nil {
		return "", errors.Wrap(err, "could not render persona instructions")
	}
	return strings.TrimSpace(buf.String()), nil
}

func (p *Persona) DisplayTitle() string {
	if p.Title != "" {
		return p.Title
	}
	return p.Name
}
