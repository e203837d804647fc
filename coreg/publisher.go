package coreg

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// Publisher publishes fit results to MQTT
type Publisher struct {
	client  mqtt.Client
	prefix  string
	qos     byte
	retain  bool
	log     *zap.SugaredLogger
	results map[string]SubjectResult
	mu      sync.RWMutex
}

// NewPublisher creates a result publisher. A nil client disables publishing.
func NewPublisher(client mqtt.Client, prefix string, log *zap.SugaredLogger) *Publisher {
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return &Publisher{
		client:  client,
		prefix:  prefix,
		qos:     1,
		retain:  true, // late subscribers get the latest transform
		log:     orNop(log).Named("publisher"),
		results: make(map[string]SubjectResult),
	}
}

// TransTopic is where a subject's latest result is published.
func TransTopic(prefix, subjectID string) string {
	return fmt.Sprintf("%s/%s/trans", prefix, subjectID)
}

// ResultsTopic carries the combined results of every subject.
func ResultsTopic(prefix string) string {
	return prefix + "/results"
}

// PublishResult publishes r to the subject topic and the combined topic.
func (p *Publisher) PublishResult(r SubjectResult) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	p.mu.Lock()
	p.results[r.SubjectID] = r
	p.mu.Unlock()

	if err := p.publishJSON(TransTopic(p.prefix, r.SubjectID), r); err != nil {
		return err
	}
	p.log.Infow("published result", "subject", r.SubjectID, "medianMM", r.Distances.Median)

	combined := map[string]interface{}{
		"subjects":  p.Results(),
		"timestamp": time.Now().Unix(),
	}
	return p.publishJSON(ResultsTopic(p.prefix), combined)
}

func (p *Publisher) publishJSON(topic string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling payload for %s: %w", topic, err)
	}
	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

// Results returns the last published result per subject, sorted by ID.
func (p *Publisher) Results() []SubjectResult {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]SubjectResult, 0, len(p.results))
	for _, r := range p.results {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubjectID < out[j].SubjectID })
	return out
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether published messages should be retained by the broker
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}
