package thing

// DataSchema describes the shape of a value carried by a Property, an
// Action's input/output or an Event's data/subscription/cancellation
// payload. It is composed into the interaction variants rather than
// inherited, per the engine's no-duck-typing design: a Property holds a
// DataSchema field instead of pretending to be one.
type DataSchema struct {
	Type        string                 `json:"type,omitempty"`
	Unit        string                 `json:"unit,omitempty"`
	Description string                 `json:"description,omitempty"`
	Enum        []interface{}          `json:"enum,omitempty"`
	ReadOnly    bool                   `json:"readOnly,omitempty"`
	WriteOnly   bool                   `json:"writeOnly,omitempty"`
	Observable  bool                   `json:"observable,omitempty"`
	Extra       map[string]interface{} `json:"-"`
}

func (d DataSchema) toMap() map[string]interface{} {
	m := map[string]interface{}{}
	for k, v := range d.Extra {
		m[k] = v
	}
	if d.Type != "" {
		m["type"] = d.Type
	}
	if d.Unit != "" {
		m["unit"] = d.Unit
	}
	if d.Description != "" {
		m["description"] = d.Description
	}
	if d.Enum != nil {
		m["enum"] = d.Enum
	}
	if d.ReadOnly {
		m["readOnly"] = true
	}
	if d.WriteOnly {
		m["writeOnly"] = true
	}
	if d.Observable {
		m["observable"] = true
	}
	return m
}

func dataSchemaFromMap(m map[string]interface{}) DataSchema {
	d := DataSchema{Extra: map[string]interface{}{}}
	for k, v := range m {
		switch k {
		case "type":
			d.Type, _ = v.(string)
		case "unit":
			d.Unit, _ = v.(string)
		case "description":
			d.Description, _ = v.(string)
		case "enum":
			if arr, ok := v.([]interface{}); ok {
				d.Enum = arr
			}
		case "readOnly":
			d.ReadOnly, _ = v.(bool)
		case "writeOnly":
			d.WriteOnly, _ = v.(bool)
		case "observable":
			d.Observable, _ = v.(bool)
		default:
			d.Extra[k] = v
		}
	}
	return d
}
