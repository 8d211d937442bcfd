// Package csvrecord is the ancillary per-record document codec that
// sits above bonsai in the storage layer: it maps a document's named
// fields to a single text value the tree stores opaquely as bytes.
// It is a collaborator, not a core piece of the tree — this package
// only covers the on-the-wire shape (ClassName@field:value,field:value),
// not schema lookup, type coercion, or linked-record resolution.
package csvrecord

import "strings"

const (
	classSeparator      = "@"
	recordSeparator     = ","
	fieldValueSeparator = ":"
)

// Field is one name/value pair within a document.
type Field struct {
	Name  string
	Value string
}

// Document is an ordered set of fields, optionally tagged with a
// class name.
type Document struct {
	Class  string
	Fields []Field
}

// Encode renders a document as ClassName@name:value,name:value,...
func Encode(doc Document) []byte {
	var b strings.Builder
	if doc.Class != "" {
		b.WriteString(doc.Class)
		b.WriteString(classSeparator)
	}
	for i, f := range doc.Fields {
		if i > 0 {
			b.WriteString(recordSeparator)
		}
		b.WriteString(f.Name)
		b.WriteString(fieldValueSeparator)
		b.WriteString(f.Value)
	}
	return []byte(b.String())
}

// Decode parses a document previously produced by Encode.
func Decode(data []byte) Document {
	s := string(data)

	var class string
	if idx := strings.Index(s, classSeparator); idx >= 0 {
		class = s[:idx]
		s = s[idx+len(classSeparator):]
	}

	var fields []Field
	if s != "" {
		for _, part := range strings.Split(s, recordSeparator) {
			name, value, _ := strings.Cut(part, fieldValueSeparator)
			fields = append(fields, Field{Name: name, Value: value})
		}
	}

	return Document{Class: class, Fields: fields}
}
