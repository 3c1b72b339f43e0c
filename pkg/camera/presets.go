package camera

// Preset names for common configurations
const (
	PresetDefault  = "default"
	PresetQVGA     = "qvga"
	PresetSVGA     = "svga"
	PresetXGA      = "xga"
	Preset720p     = "720p"
	PresetDocument = "document"
	PresetLowData  = "low_data"
)

// Presets returns all available preset configurations.
func Presets() map[string]Config {
	return map[string]Config{
		PresetDefault:  DefaultConfig(),
		PresetQVGA:     QVGAConfig(),
		PresetSVGA:     SVGAConfig(),
		PresetXGA:      XGAConfig(),
		Preset720p:     HD720Config(),
		PresetDocument: DocumentConfig(),
		PresetLowData:  LowDataConfig(),
	}
}

// PresetNames returns the list of available preset names.
func PresetNames() []string {
	return []string{
		PresetDefault,
		PresetQVGA,
		PresetSVGA,
		PresetXGA,
		Preset720p,
		PresetDocument,
		PresetLowData,
	}
}

// GetPreset returns a preset config by name, or nil if not found.
func GetPreset(name string) *Config {
	if cfg, ok := Presets()[name]; ok {
		return &cfg
	}
	return nil
}

// QVGAConfig returns 320x240.
func QVGAConfig() Config {
	cfg := DefaultConfig()
	cfg.Width = 320
	cfg.Height = 240
	return cfg
}

// SVGAConfig returns 800x600.
func SVGAConfig() Config {
	cfg := DefaultConfig()
	cfg.Width = 800
	cfg.Height = 600
	return cfg
}

// XGAConfig returns 1024x768.
func XGAConfig() Config {
	cfg := DefaultConfig()
	cfg.Width = 1024
	cfg.Height = 768
	return cfg
}

// HD720Config returns 1280x720. Most laptop webcams negotiate this
// natively, at the cost of leaving 4:3.
func HD720Config() Config {
	cfg := DefaultConfig()
	cfg.Width = 1280
	cfg.Height = 720
	return cfg
}

// DocumentConfig is tuned for ID cards and paper: 4:3 at 1280x960 with
// near-lossless JPEG so text survives OCR.
func DocumentConfig() Config {
	cfg := DefaultConfig()
	cfg.Width = 1280
	cfg.Height = 960
	cfg.Framerate = 15
	cfg.Quality = 97
	return cfg
}

// LowDataConfig keeps uploads and previews small on slow links.
func LowDataConfig() Config {
	cfg := QVGAConfig()
	cfg.Quality = 75
	cfg.PreviewFPS = 5
	cfg.PreviewQuality = 50
	return cfg
}
