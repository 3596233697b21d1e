package embedding

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/qdrant/go-client/qdrant"

	"github.com/local/remy/internal/config"
)

// newQdrantClient opens (and, if absent, creates) the ANN collection,
// grounded verbatim on manifold's qdrant_vector.go NewQdrantVector.
func newQdrantClient(cfg config.QdrantConfig, dimension int) (*qdrant.Client, error) {
	parsed, err := url.Parse(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse qdrant dsn: %w", err)
	}
	host := parsed.Hostname()
	if host == "" {
		host = "localhost"
	}
	port := parsed.Port()
	if port == "" {
		port = "6334"
	}
	portNum, err := strconv.Atoi(port)
	if err != nil {
		return nil, fmt.Errorf("invalid qdrant port: %w", err)
	}
	qcfg := &qdrant.Config{Host: host, Port: portNum}
	if parsed.Scheme == "https" {
		qcfg.UseTLS = true
	}
	if apiKey := parsed.Query().Get("api_key"); apiKey != "" {
		qcfg.APIKey = apiKey
	}
	client, err := qdrant.NewClient(qcfg)
	if err != nil {
		return nil, fmt.Errorf("create qdrant client: %w", err)
	}
	if dimension <= 0 {
		dimension = 384
	}
	if err := ensureCollection(context.Background(), client, cfg.Collection, dimension, cfg.Metric); err != nil {
		client.Close()
		return nil, fmt.Errorf("ensure collection: %w", err)
	}
	return client, nil
}

func ensureCollection(ctx context.Context, client *qdrant.Client, collection string, dimension int, metric string) error {
	exists, err := client.CollectionExists(ctx, collection)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	var distance qdrant.Distance
	switch metric {
	case "l2", "euclidean":
		distance = qdrant.Distance_Euclid
	case "ip", "dot":
		distance = qdrant.Distance_Dot
	default:
		distance = qdrant.Distance_Cosine
	}
	return client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dimension),
			Distance: distance,
		}),
	})
}

func upsertPoint(ctx context.Context, client *qdrant.Client, collection, pointID string, vec []float32, payload map[string]any) error {
	v := make([]float32, len(vec))
	copy(v, vec)
	points := []*qdrant.PointStruct{{
		Id:      qdrant.NewIDUUID(pointID),
		Vectors: qdrant.NewVectorsDense(v),
		Payload: qdrant.NewValueMap(payload),
	}}
	_, err := client.Upsert(ctx, &qdrant.UpsertPoints{CollectionName: collection, Points: points})
	return err
}

func deletePoint(ctx context.Context, client *qdrant.Client, collection, pointID string) error {
	_, err := client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Points:         qdrant.NewPointsSelector(qdrant.NewIDUUID(pointID)),
	})
	return err
}

type hit struct {
	score   float64
	payload map[string]string
}

func similaritySearch(ctx context.Context, client *qdrant.Client, collection string, vec []float32, limit int, filter map[string]string) ([]hit, error) {
	if limit <= 0 {
		limit = 5
	}
	v := make([]float32, len(vec))
	copy(v, vec)
	var qf *qdrant.Filter
	if len(filter) > 0 {
		must := make([]*qdrant.Condition, 0, len(filter))
		for k, val := range filter {
			must = append(must, qdrant.NewMatch(k, val))
		}
		qf = &qdrant.Filter{Must: must}
	}
	lim := uint64(limit)
	res, err := client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQueryDense(v),
		Limit:          &lim,
		Filter:         qf,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, err
	}
	out := make([]hit, 0, len(res))
	for _, r := range res {
		payload := make(map[string]string, len(r.Payload))
		for k, v := range r.Payload {
			payload[k] = v.GetStringValue()
		}
		out = append(out, hit{score: float64(r.Score), payload: payload})
	}
	return out, nil
}
