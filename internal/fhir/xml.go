package fhir

// Mechanical JSON <-> FHIR-XML conversion.
//
// The JSON structs are the in-memory model; the XML wire form is derived by
// walking the marshalled JSON and applying the standard FHIR mapping rules:
// objects become elements, primitives become value attributes, arrays repeat
// the element, extension/url is an attribute, and bundle entries wrap their
// resource in a <resource> element. Walking the raw JSON token stream keeps
// the element order of the struct definitions, which is the schema order.

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/beevik/etree"
)

const xmlNamespace = "http://hl7.org/fhir"

// MarshalXML renders a resource struct as a FHIR XML document.
func MarshalXML(resource any) ([]byte, error) {
	raw, err := json.Marshal(resource)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal resource: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	doc := etree.NewDocument()
	root, err := decodeResource(dec, &doc.Element)
	if err != nil {
		return nil, err
	}
	root.CreateAttr("xmlns", xmlNamespace)

	doc.Indent(2)
	return doc.WriteToBytes()
}

// decodeResource consumes one JSON object that starts with a resourceType
// and appends it as an element named after the resource type.
func decodeResource(dec *json.Decoder, parent *etree.Element) (*etree.Element, error) {
	fields, err := readObject(dec)
	if err != nil {
		return nil, err
	}

	name := ""
	for _, f := range fields {
		if f.key == "resourceType" {
			if s, ok := f.value.(string); ok {
				name = s
			}
		}
	}
	if name == "" {
		return nil, fmt.Errorf("resource without resourceType")
	}

	elem := parent.CreateElement(name)
	for _, f := range fields {
		if f.key == "resourceType" {
			continue
		}
		if err := appendField(elem, f.key, f.value); err != nil {
			return nil, err
		}
	}
	return elem, nil
}

type jsonField struct {
	key   string
	value any
}

// readObject reads one JSON object from the decoder preserving field order.
func readObject(dec *json.Decoder) ([]jsonField, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("expected object, got %v", tok)
	}

	var fields []jsonField
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key := keyTok.(string)

		value, err := readValue(dec)
		if err != nil {
			return nil, err
		}
		fields = append(fields, jsonField{key: key, value: value})
	}

	if _, err := dec.Token(); err != nil { // closing '}'
		return nil, err
	}
	return fields, nil
}

func readValue(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}

	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			var fields []jsonField
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return nil, err
				}
				value, err := readValue(dec)
				if err != nil {
					return nil, err
				}
				fields = append(fields, jsonField{key: keyTok.(string), value: value})
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return fields, nil
		case '[':
			var items []any
			for dec.More() {
				item, err := readValue(dec)
				if err != nil {
					return nil, err
				}
				items = append(items, item)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return items, nil
		default:
			return nil, fmt.Errorf("unexpected delimiter %v", t)
		}
	default:
		return tok, nil
	}
}

func appendField(parent *etree.Element, key string, value any) error {
	switch v := value.(type) {
	case []any:
		for _, item := range v {
			if err := appendField(parent, key, item); err != nil {
				return err
			}
		}
		return nil

	case []jsonField:
		// An object whose first field is resourceType is a contained
		// resource (bundle entries); wrap it per the XML mapping.
		if len(v) > 0 && v[0].key == "resourceType" {
			wrapper := parent.CreateElement(key)
			name, _ := v[0].value.(string)
			inner := wrapper.CreateElement(name)
			for _, f := range v[1:] {
				if err := appendField(inner, f.key, f.value); err != nil {
					return err
				}
			}
			return nil
		}

		elem := parent.CreateElement(key)
		for _, f := range v {
			// extension carries its url as an attribute
			if f.key == "url" && key == "extension" {
				if s, ok := f.value.(string); ok {
					elem.CreateAttr("url", s)
					continue
				}
			}
			if err := appendField(elem, f.key, f.value); err != nil {
				return err
			}
		}
		return nil

	case string:
		parent.CreateElement(key).CreateAttr("value", v)
		return nil
	case bool:
		parent.CreateElement(key).CreateAttr("value", strconv.FormatBool(v))
		return nil
	case json.Number:
		parent.CreateElement(key).CreateAttr("value", v.String())
		return nil
	case nil:
		return nil
	default:
		return fmt.Errorf("unsupported JSON value %T for %q", value, key)
	}
}

// UnmarshalXML parses a FHIR XML document into the given resource struct.
// expectType guards against a payload of the wrong resource type.
func UnmarshalXML(data []byte, expectType string, resource any) error {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return fmt.Errorf("failed to parse XML: %w", err)
	}

	root := doc.Root()
	if root == nil {
		return fmt.Errorf("empty XML document")
	}
	if expectType != "" && root.Tag != expectType {
		return fmt.Errorf("expected %s, got %s", expectType, root.Tag)
	}

	obj := elementToJSON(root)
	obj["resourceType"] = root.Tag

	raw, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("failed to remarshal XML content: %w", err)
	}
	return json.Unmarshal(raw, resource)
}

// numericFields are the few elements whose JSON representation is a number.
var numericFields = map[string]bool{
	"total": true,
	"size":  true,
}

var booleanFields = map[string]bool{
	"requestor": true,
}

func elementToJSON(elem *etree.Element) map[string]any {
	obj := make(map[string]any)

	for _, attr := range elem.Attr {
		if attr.Key == "url" && elem.Tag == "extension" {
			obj["url"] = attr.Value
		}
	}

	for _, child := range elem.ChildElements() {
		var value any

		if v := child.SelectAttrValue("value", ""); len(child.ChildElements()) == 0 {
			switch {
			case numericFields[child.Tag]:
				if n, err := strconv.ParseInt(v, 10, 64); err == nil {
					value = n
				} else {
					value = v
				}
			case booleanFields[child.Tag]:
				value = v == "true"
			default:
				value = v
			}
		} else if child.Tag == "resource" && len(child.ChildElements()) == 1 {
			// unwrap contained resources
			inner := child.ChildElements()[0]
			innerObj := elementToJSON(inner)
			innerObj["resourceType"] = inner.Tag
			value = innerObj
		} else {
			value = elementToJSON(child)
		}

		if existing, ok := obj[child.Tag]; ok {
			if list, ok := existing.([]any); ok {
				obj[child.Tag] = append(list, value)
			} else {
				obj[child.Tag] = []any{existing, value}
			}
		} else if repeatingFields[child.Tag] {
			obj[child.Tag] = []any{value}
		} else {
			obj[child.Tag] = value
		}
	}

	return obj
}

// repeatingFields lists elements that are JSON arrays even with one member.
var repeatingFields = map[string]bool{
	"extension":             true,
	"identifier":            true,
	"coding":                true,
	"entry":                 true,
	"issue":                 true,
	"agent":                 true,
	"entity":                true,
	"parameter":             true,
	"performerType":         true,
	"performer":             true,
	"input":                 true,
	"output":                true,
	"payload":               true,
	"recipient":             true,
	"basedOn":               true,
	"author":                true,
	"event":                 true,
	"deviceName":            true,
	"version":               true,
	"supportingInformation": true,
}

// DecodeResource reads a resource body in the given format.
func DecodeResource(r io.Reader, format Format, expectType string, resource any) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read body: %w", err)
	}
	if format == FormatXML {
		return UnmarshalXML(data, expectType, resource)
	}
	if err := json.Unmarshal(data, resource); err != nil {
		return fmt.Errorf("failed to parse JSON: %w", err)
	}
	return nil
}

// EncodeResource renders a resource in the given format.
func EncodeResource(resource any, format Format) ([]byte, error) {
	if format == FormatXML {
		return MarshalXML(resource)
	}
	return json.MarshalIndent(resource, "", "  ")
}
