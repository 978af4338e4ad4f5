package codec

// Field is one name/value pair of a request body.
type Field struct {
	Name  string
	Value string
}

// Fields is an ordered set of fields with one value per name. Setting an existing
// name replaces its value in place.
type Fields struct {
	list  []Field
	index map[string]int
}

// Set writes name, keeping the position of an earlier value.
func (f *Fields) Set(name, value string) {
	if f.index == nil {
		f.index = make(map[string]int)
	}
	if i, ok := f.index[name]; ok {
		f.list[i].Value = value
		return
	}
	f.index[name] = len(f.list)
	f.list = append(f.list, Field{Name: name, Value: value})
}

// Get returns the value of name.
func (f *Fields) Get(name string) (string, bool) {
	i, ok := f.index[name]
	if !ok {
		return "", false
	}
	return f.list[i].Value, true
}

// List returns the fields in insertion order.
func (f *Fields) List() []Field {
	out := make([]Field, len(f.list))
	copy(out, f.list)
	return out
}

// Len returns the number of fields.
func (f *Fields) Len() int { return len(f.list) }

// Map returns the fields as a map.
func (f *Fields) Map() map[string]string {
	out := make(map[string]string, len(f.list))
	for _, fd := range f.list {
		out[fd.Name] = fd.Value
	}
	return out
}
