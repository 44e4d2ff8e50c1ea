package ports

// PowerLimits is the inclusive current window checked after power-on.
type PowerLimits struct {
	CurrentMin float64
	CurrentMax float64
}

// StageThresholds carries the pass limits and stimulus amplitude for a stage.
type StageThresholds struct {
	INL            float64
	DNL            float64
	InputAmplitude float64
	GainDB         float64
}

type ThresholdProvider interface {
	Limits() (PowerLimits, error)
	StageThresholds(stage int) (StageThresholds, error)
	StageCount() int
}
