package api

import (
	"bytes"
	"sort"

	"github.com/go-resty/resty/v2"
)

// File is an attachment carried by a multipart payload. Data is held in
// memory so a failed submission can be retried with the same draft.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// Payload is a create/update body. It is sent as JSON unless it carries
// files, in which case the whole submission goes as multipart/form-data.
type Payload struct {
	Fields map[string]string
	Files  map[string]File
}

// JSON builds a structured payload from fields.
func JSON(fields map[string]string) *Payload {
	return &Payload{Fields: fields}
}

// Multipart reports whether the payload must be encoded as multipart.
func (p Payload) Multipart() bool {
	for _, f := range p.Files {
		if len(f.Data) > 0 {
			return true
		}
	}
	return false
}

// Keys returns the field and file names in sorted order.
func (p Payload) Keys() []string {
	keys := make([]string, 0, len(p.Fields)+len(p.Files))
	for k := range p.Fields {
		keys = append(keys, k)
	}
	for k := range p.Files {
		if _, dup := p.Fields[k]; !dup {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func (p Payload) structured() *Payload {
	return &Payload{Fields: p.Fields}
}

func (p *Payload) apply(req *resty.Request) {
	fields := p.Fields
	if fields == nil {
		fields = map[string]string{}
	}
	if !p.Multipart() {
		req.SetHeader("Content-Type", "application/json").SetBody(fields)
		return
	}
	req.SetMultipartFormData(fields)
	for name, f := range p.Files {
		if len(f.Data) == 0 {
			continue
		}
		ct := f.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		req.SetMultipartField(name, f.Name, ct, bytes.NewReader(f.Data))
	}
}
