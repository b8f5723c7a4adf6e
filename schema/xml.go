package schema

import (
	"encoding/xml"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

type xmlDocument struct {
	Includes []string     `xml:"include"`
	Enums    []xmlEnum    `xml:"enums>enum"`
	Messages []xmlMessage `xml:"messages>message"`
}

type xmlEnum struct {
	Name    string     `xml:"name,attr"`
	Entries []xmlEntry `xml:"entry"`
}

type xmlEntry struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type xmlField struct {
	Type string `xml:"type,attr"`
	Name string `xml:"name,attr"`
	Enum string `xml:"enum,attr"`
}

type xmlMessage struct {
	ID     string
	Name   string
	Fields []xmlField

	// extensionsFrom is the index of the first extension field, -1 if there are none.
	extensionsFrom int
}

// UnmarshalXML keeps track of the <extensions/> marker position among the fields.
func (m *xmlMessage) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	m.extensionsFrom = -1
	for _, attr := range start.Attr {
		switch attr.Name.Local {
		case "id":
			m.ID = attr.Value
		case "name":
			m.Name = attr.Value
		}
	}

	for {
		token, err := d.Token()
		if err != nil {
			return errors.WithStack(err)
		}
		switch t := token.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "field":
				var f xmlField
				if err := d.DecodeElement(&f, &t); err != nil {
					return errors.WithStack(err)
				}
				m.Fields = append(m.Fields, f)
			case "extensions":
				if m.extensionsFrom < 0 {
					m.extensionsFrom = len(m.Fields)
				}
				if err := d.Skip(); err != nil {
					return errors.WithStack(err)
				}
			default:
				if err := d.Skip(); err != nil {
					return errors.WithStack(err)
				}
			}
		case xml.EndElement:
			return nil
		}
	}
}

// Load loads dictionary from the XML file, following its includes.
func Load(path string) (*Dictionary, error) {
	defs := Definitions{Enums: map[string]map[string]uint64{}}
	if err := loadFile(path, &defs, map[string]struct{}{}); err != nil {
		return nil, err
	}
	return New(defs)
}

// Parse parses dictionary from single XML document. Includes are not followed.
func Parse(r io.Reader) (*Dictionary, error) {
	defs := Definitions{Enums: map[string]map[string]uint64{}}
	if err := parseDocument(r, &defs); err != nil {
		return nil, err
	}
	return New(defs)
}

func loadFile(path string, defs *Definitions, visited map[string]struct{}) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return errors.WithStack(err)
	}
	if _, exists := visited[abs]; exists {
		return nil
	}
	visited[abs] = struct{}{}

	f, err := os.Open(abs)
	if err != nil {
		return errors.WithStack(err)
	}
	defer f.Close()

	var doc xmlDocument
	if err := xml.NewDecoder(f).Decode(&doc); err != nil {
		return errors.Wrapf(ErrSchema, "parsing %q: %s", path, err)
	}

	// Included definitions are merged before the ones of the including file.
	for _, include := range doc.Includes {
		include = strings.TrimSpace(include)
		if !filepath.IsAbs(include) {
			include = filepath.Join(filepath.Dir(abs), include)
		}
		if err := loadFile(include, defs, visited); err != nil {
			return err
		}
	}

	return errors.Wrapf(doc.merge(defs), "file %q", path)
}

func parseDocument(r io.Reader, defs *Definitions) error {
	var doc xmlDocument
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return errors.Wrapf(ErrSchema, "parsing document: %s", err)
	}
	return doc.merge(defs)
}

func (doc *xmlDocument) merge(defs *Definitions) error {
	for _, e := range doc.Enums {
		if e.Name == "" {
			return errors.Wrap(ErrSchema, "enum without name")
		}
		entries, exists := defs.Enums[e.Name]
		if !exists {
			entries = map[string]uint64{}
			defs.Enums[e.Name] = entries
		}

		var next uint64
		for _, entry := range e.Entries {
			value := next
			if entry.Value != "" {
				v, err := parseEnumValue(entry.Value)
				if err != nil {
					return errors.Wrapf(err, "enum %q, entry %q", e.Name, entry.Name)
				}
				value = v
			}
			if existing, exists := entries[entry.Name]; exists && existing != value {
				return errors.Wrapf(ErrSchema, "enum %q: entry %q defined twice with different values",
					e.Name, entry.Name)
			}
			entries[entry.Name] = value
			next = value + 1
		}
	}

	for _, m := range doc.Messages {
		id, err := strconv.ParseUint(m.ID, 10, 32)
		if err != nil {
			return errors.Wrapf(ErrSchema, "message %q: invalid id %q", m.Name, m.ID)
		}

		def := MessageDefinition{
			ID:     uint32(id),
			Name:   m.Name,
			Fields: make([]FieldDefinition, 0, len(m.Fields)),
		}
		for i, f := range m.Fields {
			kind, length, err := ParseType(f.Type)
			if err != nil {
				return errors.Wrapf(err, "message %q, field %q", m.Name, f.Name)
			}
			def.Fields = append(def.Fields, FieldDefinition{
				Name:        f.Name,
				Kind:        kind,
				ArrayLength: length,
				Enum:        f.Enum,
				Extension:   m.extensionsFrom >= 0 && i >= m.extensionsFrom,
			})
		}
		defs.Messages = append(defs.Messages, def)
	}

	return nil
}

func parseEnumValue(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if base, exp, ok := strings.Cut(s, "**"); ok {
		b, err1 := strconv.ParseUint(base, 10, 64)
		e, err2 := strconv.ParseUint(exp, 10, 6)
		if err1 != nil || err2 != nil || b != 2 {
			return 0, errors.Wrapf(ErrSchema, "invalid value %q", s)
		}
		return 1 << e, nil
	}

	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		// Negative values are stored as two's complement of the field they end up in.
		i, err2 := strconv.ParseInt(s, 0, 64)
		if err2 != nil {
			return 0, errors.Wrapf(ErrSchema, "invalid value %q", s)
		}
		return uint64(i), nil
	}
	return v, nil
}
