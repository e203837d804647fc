package coreg

import "time"

// Config represents the full configuration file
type Config struct {
	Coreg     CoregConfig     `yaml:"coreg" json:"coreg"`
	Subjects  []SubjectConfig `yaml:"subjects" json:"subjects"`
	MQTT      MQTTConfig      `yaml:"mqtt" json:"mqtt"`
	HTTP      HTTPConfig      `yaml:"http" json:"http"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
	CachePath string          `yaml:"cachePath,omitempty" json:"cachePath,omitempty"` // Fit result cache (default .coreg-cache.json)
}

// CoregConfig holds fitting settings shared by all subjects.
// Distances are in millimeters.
type CoregConfig struct {
	ScaleMode       ScaleMode        `yaml:"scaleMode" json:"scaleMode"`
	FidMatch        FidMatch         `yaml:"fidMatch" json:"fidMatch"`
	GrowHair        float64          `yaml:"growHair,omitempty" json:"growHair,omitempty"`
	OmitDistance    float64          `yaml:"omitDistance,omitempty" json:"omitDistance,omitempty"` // 0 keeps every point
	FiducialWeights *FiducialWeights `yaml:"fiducialWeights,omitempty" json:"fiducialWeights,omitempty"`
	ICP             ICPSettings      `yaml:"icp" json:"icp"`
	Debounce        time.Duration    `yaml:"debounce,omitempty" json:"debounce,omitempty"` // Delay before refitting streamed digitizations
	MaxAge          time.Duration    `yaml:"maxAge,omitempty" json:"maxAge,omitempty"`     // Cached results older than this are refitted
}

// ICPSettings mirrors ICPConfig for the config file.
type ICPSettings struct {
	Iterations   int      `yaml:"iterations,omitempty" json:"iterations,omitempty"`
	NasionWeight *float64 `yaml:"nasionWeight,omitempty" json:"nasionWeight,omitempty"`
	LPAWeight    *float64 `yaml:"lpaWeight,omitempty" json:"lpaWeight,omitempty"`
	RPAWeight    *float64 `yaml:"rpaWeight,omitempty" json:"rpaWeight,omitempty"`
	HSPWeight    *float64 `yaml:"hspWeight,omitempty" json:"hspWeight,omitempty"`
	EEGWeight    *float64 `yaml:"eegWeight,omitempty" json:"eegWeight,omitempty"`
	HPIWeight    *float64 `yaml:"hpiWeight,omitempty" json:"hpiWeight,omitempty"`
}

// SubjectConfig defines one subject from the config file
type SubjectConfig struct {
	ID                string `yaml:"id" json:"id"`
	Surface           string `yaml:"surface" json:"surface"`                               // MRI head surface JSON
	Digitization      string `yaml:"digitization,omitempty" json:"digitization,omitempty"` // Optional, otherwise streamed over MQTT
	Fiducials         string `yaml:"fiducials,omitempty" json:"fiducials,omitempty"`
	EstimateFiducials bool   `yaml:"estimateFiducials,omitempty" json:"estimateFiducials,omitempty"`
	Talairach         string `yaml:"talairach,omitempty" json:"talairach,omitempty"` // mri->mni_tal transform JSON used with estimateFiducials
}

// MQTTConfig holds MQTT connection settings
type MQTTConfig struct {
	Broker      string `yaml:"broker,omitempty" json:"broker,omitempty"`
	TopicPrefix string `yaml:"topicPrefix,omitempty" json:"topicPrefix,omitempty"`
	ClientID    string `yaml:"clientId,omitempty" json:"clientId,omitempty"`
	Username    string `yaml:"username,omitempty" json:"username,omitempty"`
	Password    string `yaml:"password,omitempty" json:"password,omitempty"`
}

// HTTPConfig holds the HTTP server settings
type HTTPConfig struct {
	Port int `yaml:"port,omitempty" json:"port,omitempty"`
}

// LoggingConfig selects the log level and encoding ("json" or "console").
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty" json:"level,omitempty"`
	Format string `yaml:"format,omitempty" json:"format,omitempty"`
}

// Defaults applied by ApplyDefaults.
const (
	DefaultCachePath   = ".coreg-cache.json"
	DefaultTopicPrefix = "headmesh"
	DefaultHTTPPort    = 4040
	DefaultDebounce    = 2 * time.Second
	DefaultMaxAge      = 24 * time.Hour
)

// GetSubjectByID returns the subject config or nil.
func (c *Config) GetSubjectByID(id string) *SubjectConfig {
	for i := range c.Subjects {
		if c.Subjects[i].ID == id {
			return &c.Subjects[i]
		}
	}
	return nil
}

// ICPConfig converts the settings, falling back to DefaultICPConfig for
// anything unset.
func (s ICPSettings) ICPConfig() ICPConfig {
	cfg := DefaultICPConfig()
	if s.Iterations > 0 {
		cfg.Iterations = s.Iterations
	}
	set := func(dst *float64, v *float64) {
		if v != nil {
			*dst = *v
		}
	}
	set(&cfg.NasionWeight, s.NasionWeight)
	set(&cfg.LPAWeight, s.LPAWeight)
	set(&cfg.RPAWeight, s.RPAWeight)
	set(&cfg.HSPWeight, s.HSPWeight)
	set(&cfg.EEGWeight, s.EEGWeight)
	set(&cfg.HPIWeight, s.HPIWeight)
	return cfg
}

// Weights returns the configured fiducial weights or the defaults.
func (c CoregConfig) Weights() FiducialWeights {
	if c.FiducialWeights != nil {
		return *c.FiducialWeights
	}
	return DefaultFiducialWeights()
}

// Options returns the controller options for these settings.
func (c CoregConfig) Options() []Option {
	return []Option{WithScaleMode(c.ScaleMode), WithFidMatch(c.FidMatch)}
}
