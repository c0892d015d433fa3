package pipeline

// Record is a plain Item implementation for sources that don't need their
// own item type.
type Record struct {
	ItemID string
	Body   string
	Meta   map[string]string
}

// NewRecord creates a Record item.
func NewRecord(id, body string, meta map[string]string) *Record {
	if meta == nil {
		meta = map[string]string{}
	}
	return &Record{ItemID: id, Body: body, Meta: meta}
}

func (r *Record) ID() string                  { return r.ItemID }
func (r *Record) Text() string                { return r.Body }
func (r *Record) Metadata() map[string]string { return r.Meta }
