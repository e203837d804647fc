package coreg

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadConfig loads the configuration from a YAML file, applies defaults and
// environment overrides, and validates it.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	config.ApplyDefaults()
	config.ApplyEnv()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// ApplyDefaults fills unset optional fields.
func (c *Config) ApplyDefaults() {
	if c.CachePath == "" {
		c.CachePath = DefaultCachePath
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = DefaultTopicPrefix
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "headmesh"
	}
	if c.HTTP.Port == 0 {
		c.HTTP.Port = DefaultHTTPPort
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Coreg.Debounce == 0 {
		c.Coreg.Debounce = DefaultDebounce
	}
	if c.Coreg.MaxAge == 0 {
		c.Coreg.MaxAge = DefaultMaxAge
	}
}

// ApplyEnv lets MQTT_BROKER, MQTT_CLIENT_ID, MQTT_USERNAME and
// MQTT_PASSWORD override the file.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		c.MQTT.Broker = v
	}
	if v := os.Getenv("MQTT_CLIENT_ID"); v != "" {
		c.MQTT.ClientID = v
	}
	if v := os.Getenv("MQTT_USERNAME"); v != "" {
		c.MQTT.Username = v
	}
	if v := os.Getenv("MQTT_PASSWORD"); v != "" {
		c.MQTT.Password = v
	}
}

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	if len(c.Subjects) == 0 {
		return fmt.Errorf("at least one subject must be defined")
	}
	seen := make(map[string]bool, len(c.Subjects))
	for i, s := range c.Subjects {
		if s.ID == "" {
			return fmt.Errorf("subjects[%d].id is required", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("subjects[%d].id %q is duplicated", i, s.ID)
		}
		seen[s.ID] = true
		if s.Surface == "" {
			return fmt.Errorf("subjects[%d].surface is required for %s", i, s.ID)
		}
		if s.Fiducials == "" && !s.EstimateFiducials {
			return fmt.Errorf("subjects[%d] needs fiducials or estimateFiducials for %s", i, s.ID)
		}
		if s.EstimateFiducials && s.Talairach == "" {
			return fmt.Errorf("subjects[%d].talairach is required with estimateFiducials for %s", i, s.ID)
		}
	}

	cc := c.Coreg
	if !nonNegative(cc.GrowHair) {
		return fmt.Errorf("coreg.growHair must be a non-negative distance, got %v", cc.GrowHair)
	}
	if !nonNegative(cc.OmitDistance) {
		return fmt.Errorf("coreg.omitDistance must be a non-negative distance, got %v", cc.OmitDistance)
	}
	if cc.ICP.Iterations < 0 {
		return fmt.Errorf("coreg.icp.iterations must not be negative, got %d", cc.ICP.Iterations)
	}
	if err := cc.ICP.ICPConfig().Validate(); err != nil {
		return fmt.Errorf("coreg.icp: %w", err)
	}
	w := cc.Weights()
	for _, id := range CardinalIDs {
		if err := checkWeight(id.String(), w.byID(id)); err != nil {
			return fmt.Errorf("coreg.fiducialWeights: %w", err)
		}
	}
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port out of range: %d", c.HTTP.Port)
	}
	return nil
}

func nonNegative(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0
}
