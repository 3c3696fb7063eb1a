package datasource

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/marcus-qen/dashquery/internal/data"
	"github.com/marcus-qen/dashquery/internal/grafana"
)

// AnnotationStore lists stored annotations; *grafana.HTTPClient satisfies it.
type AnnotationStore interface {
	Annotations(ctx context.Context, q grafana.AnnotationQuery) ([]grafana.AnnotationItem, error)
}

// BuiltinBackend is what the built-in data source needs from Grafana.
type BuiltinBackend interface {
	QueryBackend
	AnnotationStore
}

const defaultAnnotationLimit = 100

// GrafanaDataSource is the built-in data source. Its annotations come from
// Grafana's own annotation store through the legacy query API.
type GrafanaDataSource struct {
	backend BuiltinBackend
	logger  *zap.Logger
}

// NewGrafanaDataSource creates the built-in data source.
func NewGrafanaDataSource(backend BuiltinBackend, logger *zap.Logger) *GrafanaDataSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GrafanaDataSource{backend: backend, logger: logger.Named("datasource.grafana")}
}

// Ref implements DataSource.
func (g *GrafanaDataSource) Ref() data.DataSourceRef {
	return data.DataSourceRef{UID: data.GrafanaDataSourceUID, Type: "grafana"}
}

// Query implements DataSource.
func (g *GrafanaDataSource) Query(ctx context.Context, req *data.Request, out chan<- data.ResponsePacket) error {
	results, err := g.backend.QueryData(grafana.WithRequestID(ctx, req.RequestID), withDatasource(req, g.Ref()))
	if err != nil {
		return err
	}
	return emitResults(ctx, out, results)
}

// AnnotationQuery implements LegacyAnnotator. Dashboard scoped descriptors
// list the annotations of the current dashboard; tag descriptors list
// organisation annotations matching their tags.
func (g *GrafanaDataSource) AnnotationQuery(ctx context.Context, opts LegacyAnnotationOptions) ([]data.AnnotationEvent, error) {
	anno := opts.Annotation
	kind := stringField(anno.Target, "type")
	if kind == "" {
		kind = anno.Type
	}

	q := grafana.AnnotationQuery{
		From:  opts.Range.From.UnixMilli(),
		To:    opts.Range.To.UnixMilli(),
		Limit: intField(anno.Target, "limit", anno.Limit),
		Type:  "annotation",
	}
	if q.Limit <= 0 {
		q.Limit = defaultAnnotationLimit
	}

	switch kind {
	case "tags":
		q.Tags = tagsField(anno.Target, anno.Tags)
		q.MatchAny = boolField(anno.Target, "matchAny", anno.MatchAny)
		if len(q.Tags) == 0 {
			return nil, nil
		}
	default:
		if opts.DashboardUID == "" {
			return nil, nil
		}
		q.DashboardUID = opts.DashboardUID
	}

	items, err := g.backend.Annotations(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list annotations: %w", err)
	}

	out := make([]data.AnnotationEvent, 0, len(items))
	for _, it := range items {
		evt := data.AnnotationEvent{
			ID:           string(it.ID),
			Time:         it.Time,
			TimeEnd:      it.TimeEnd,
			Text:         it.Text,
			Tags:         it.Tags,
			PanelID:      it.PanelID,
			DashboardUID: it.DashboardUID,
			Login:        it.Login,
			AvatarURL:    it.AvatarURL,
			AlertID:      it.AlertID,
			NewState:     it.NewState,
			PrevState:    it.PrevState,
		}
		if it.AlertID > 0 && it.PanelID > 0 {
			evt.EventType = data.EventTypePanelAlert
			evt.Title = it.AlertName
		}
		out = append(out, evt)
	}
	g.logger.Debug("Listed annotations", zap.String("kind", kind), zap.Int("count", len(out)))
	return out, nil
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func intField(m map[string]any, key string, fallback int) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return fallback
}

func boolField(m map[string]any, key string, fallback bool) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}
	return fallback
}

func tagsField(m map[string]any, fallback []string) []string {
	switch v := m["tags"].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, t := range v {
			if s, ok := t.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out
	case string:
		return strings.Fields(strings.ReplaceAll(v, ",", " "))
	}
	return fallback
}
