package query

import "github.com/diwise/odata-broker/internal/pkg/infrastructure/docstore"

// Top level fields of an entity document as it is stored
const (
	FieldCell      string = "c"
	FieldBox       string = "b"
	FieldNode      string = "n"
	FieldType      string = "t"
	FieldStatic    string = "s"
	FieldDynamic   string = "d"
	FieldHidden    string = "h"
	FieldLinks     string = "l"
	FieldPublished string = "p"
	FieldUpdated   string = "u"
)

// Reserved property names that address the server maintained timestamps
const (
	PublishedProperty string = "__published"
	UpdatedProperty   string = "__updated"
)

func StaticField(name string) string  { return FieldStatic + "." + name }
func DynamicField(name string) string { return FieldDynamic + "." + name }
func LinkField(name string) string    { return FieldLinks + "." + name }

// ExactField names the keyword copy used for equality, ranges and sorting on strings
func ExactField(field string) string {
	return docstore.ExactField(field)
}

// PartitionFields are always part of a projection
var PartitionFields = []string{FieldCell, FieldBox, FieldNode, FieldType, FieldPublished, FieldUpdated, FieldLinks}
