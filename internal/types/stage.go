package types

// StageName identifies one step of the book pipeline.
type StageName string

const (
	StageText   StageName = "text"
	StageImages StageName = "images"
	StageLayout StageName = "layout"
	StageExport StageName = "export"
)

// StageDef declares a pipeline stage and the stage whose output it consumes.
type StageDef struct {
	Name      StageName `json:"name"`
	DependsOn StageName `json:"depends_on,omitempty"`
}

// DefaultStages returns the fixed book pipeline: text, images, layout, export.
func DefaultStages() []StageDef {
	return []StageDef{
		{Name: StageText},
		{Name: StageImages, DependsOn: StageText},
		{Name: StageLayout, DependsOn: StageImages},
		{Name: StageExport, DependsOn: StageLayout},
	}
}

// Output is the opaque result of a completed stage.
// Ref is a handle to the generated asset (file path, provider design id, URL).
type Output struct {
	Ref        string            `json:"ref"`
	Provider   string            `json:"provider,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Clone returns a deep copy of the output.
func (o Output) Clone() Output {
	if o.Attributes != nil {
		attrs := make(map[string]string, len(o.Attributes))
		for k, v := range o.Attributes {
			attrs[k] = v
		}
		o.Attributes = attrs
	}
	return o
}
