package odata

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/diwise/odata-broker/internal/pkg/application/batch"
	"github.com/diwise/odata-broker/internal/pkg/application/schema"
	"github.com/diwise/odata-broker/internal/pkg/application/storage"
	"github.com/diwise/odata-broker/pkg/odata/errors"
	"github.com/diwise/odata-broker/pkg/odata/types"
)

const ContentTypeJSON string = "application/json"

// Serializer renders records in the verbose OData v2 JSON format and parses request
// bodies in the same format
type Serializer struct {
	schema    schema.Provider
	namespace string
}

func NewSerializer(s schema.Provider, namespace string) *Serializer {
	return &Serializer{schema: s, namespace: namespace}
}

var _ batch.Serializer = &Serializer{}

func (s *Serializer) ContentType() string {
	return ContentTypeJSON
}

func bodyError(msg string) error {
	return errors.NewValidationError(errors.CodeRequestBodyInvalid, msg)
}

// ParseEntity decodes an entity body. A body wrapped in a "d" envelope is unwrapped.
func (s *Serializer) ParseEntity(body []byte) (map[string]any, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, bodyError("request body is empty")
	}

	props := map[string]any{}
	if err := json.Unmarshal(body, &props); err != nil {
		return nil, bodyError(fmt.Sprintf("request body is not a json object: %s", err.Error()))
	}

	if d, ok := props["d"].(map[string]any); ok && len(props) == 1 {
		props = d
	}

	return props, nil
}

func (s *Serializer) ParseLink(body []byte) (string, error) {
	link := struct {
		URI string `json:"uri"`
	}{}

	if err := json.Unmarshal(body, &link); err != nil {
		return "", bodyError(fmt.Sprintf("malformed link body: %s", err.Error()))
	}

	if link.URI == "" {
		return "", bodyError("link body lacks an uri")
	}

	return link.URI, nil
}

func (s *Serializer) Entity(baseURL string, result *storage.Result) ([]byte, error) {
	entity := s.entity(baseURL, result.Set, result.Record, result.Expanded)
	return json.Marshal(map[string]any{"d": entity})
}

func (s *Serializer) Feed(baseURL string, set *schema.EntitySet, result *storage.ListResult) ([]byte, error) {
	entries := make([]map[string]any, 0, len(result.Results))
	for _, r := range result.Results {
		entries = append(entries, s.entity(baseURL, set, r.Record, r.Expanded))
	}

	feed := map[string]any{"results": entries}
	if result.Count != nil {
		feed["__count"] = strconv.FormatUint(*result.Count, 10)
	}

	return json.Marshal(map[string]any{"d": feed})
}

func (s *Serializer) Related(baseURL string, set *schema.EntitySet, records []*types.EntityRecord) ([]byte, error) {
	entries := make([]map[string]any, 0, len(records))
	for _, r := range records {
		entries = append(entries, s.entity(baseURL, set, r, nil))
	}

	return json.Marshal(map[string]any{"d": map[string]any{"results": entries}})
}

func (s *Serializer) entity(baseURL string, set *schema.EntitySet, rec *types.EntityRecord, expanded map[string][]*types.EntityRecord) map[string]any {
	uri := batch.Location(baseURL, set.Name, types.KeyFromValues(set.Key, rec.Static))

	e := make(map[string]any, len(rec.Static)+len(rec.Dynamic)+len(set.NavigationProperties)+3)

	for k, v := range rec.Dynamic {
		e[k] = v
	}

	for k, v := range rec.Static {
		if p, ok := set.Property(k); ok && p.Type == schema.EdmDateTime {
			e[k] = dateLiteral(v)
			continue
		}
		e[k] = v
	}

	e["__published"] = dateLiteral(rec.Created)
	e["__updated"] = dateLiteral(rec.Updated)
	e["__metadata"] = map[string]any{
		"uri":  uri,
		"etag": rec.ETag(),
		"type": s.namespace + "." + set.EntityType,
	}

	for _, nav := range set.NavigationProperties {
		related, isExpanded := expanded[nav.Name]
		if !isExpanded {
			e[nav.Name] = map[string]any{"__deferred": map[string]any{"uri": uri + "/" + nav.Name}}
			continue
		}

		target, ok := s.schema.EntitySet(nav.Target)
		if !ok {
			continue
		}

		if nav.ToMultiplicity.IsMany() {
			entries := make([]map[string]any, 0, len(related))
			for _, r := range related {
				entries = append(entries, s.entity(baseURL, target, r, nil))
			}
			e[nav.Name] = map[string]any{"results": entries}
		} else if len(related) > 0 {
			e[nav.Name] = s.entity(baseURL, target, related[0], nil)
		} else {
			e[nav.Name] = nil
		}
	}

	return e
}

// dateLiteral formats epoch milliseconds as /Date(ms)/
func dateLiteral(v any) any {
	var ms int64

	switch n := v.(type) {
	case int64:
		ms = n
	case int:
		ms = int64(n)
	case float64:
		ms = int64(math.Round(n))
	default:
		return v
	}

	return fmt.Sprintf("/Date(%d)/", ms)
}
