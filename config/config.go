// Package config loads and validates the extractmd YAML configuration.
//
// The configuration is read once at startup, merged with CLI flags by the
// caller, and passed by pointer to every component. Nothing in this package
// is mutated after Load returns.
package config

import (
	"fmt"
	"os"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Config holds the full extractmd configuration.
type Config struct {
	Settings Settings   `yaml:"settings"`
	API      API        `yaml:"api"`
	FileDirs FileDirs   `yaml:"file_dirs"`
	Files    []FileRule `yaml:"files"`
}

// Settings configures extraction thresholds and local tooling.
type Settings struct {
	TesseractLang string `yaml:"tesseract_lang"` // e.g. "chi_sim+eng"
	PdftoppmCmd   string `yaml:"pdftoppm_cmd"`   // rasterizer binary, default "pdftoppm"
	MinTextLen    int    `yaml:"min_text_len"`   // embedded text under this needs OCR
	MinOCRLen     int    `yaml:"min_ocr_len"`    // local OCR under this falls back to VLM
	MaxWorkers    int    `yaml:"max_workers"`
	DPI           int    `yaml:"dpi"`
	SaveInterval  int    `yaml:"save_interval"` // pages between progress snapshots
}

// API configures the OpenAI-compatible VLM endpoint and model pools.
type API struct {
	Key        string   `yaml:"key"`
	BaseURL    string   `yaml:"base_url"`
	Models     []string `yaml:"models"`      // rotating pool for page OCR
	CleanModel string   `yaml:"clean_model"` // single model for rewriting
	ToolModels []string `yaml:"tool_models"` // rotating pool for the fast judge
}

// FileDirs configures input and output directories.
type FileDirs struct {
	InputDir  string `yaml:"input_dir"`
	OutputDir string `yaml:"output_dir"`
}

// FileRule overrides the method for one file, optionally per page range.
type FileRule struct {
	Name      string         `yaml:"name"`
	Method    string         `yaml:"method"`
	Overrides []PageOverride `yaml:"overrides"`
}

// PageOverride assigns a method to a 1-based inclusive page-range spec,
// e.g. "1-5,9,20-" or "all". Later overrides win on overlapping ranges.
type PageOverride struct {
	Pages  string `yaml:"pages"`
	Method string `yaml:"method"`
}

// DefaultConfig returns sane defaults.
func DefaultConfig() *Config {
	return &Config{
		Settings: Settings{
			TesseractLang: "chi_sim+eng",
			PdftoppmCmd:   "pdftoppm",
			MinTextLen:    50,
			MinOCRLen:     20,
			MaxWorkers:    4,
			DPI:           200,
			SaveInterval:  10,
		},
		API: API{
			BaseURL: "https://api.siliconflow.cn/v1",
		},
		FileDirs: FileDirs{
			InputDir:  ".",
			OutputDir: ".",
		},
	}
}

// Load reads and parses a YAML config file merged over DefaultConfig.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks that required fields are present and values are sane.
func (c *Config) Validate() error {
	if c.API.Key == "" {
		return fmt.Errorf("api.key is required")
	}
	if len(c.API.Models) == 0 {
		return fmt.Errorf("api.models must list at least one model")
	}
	if c.Settings.MaxWorkers <= 0 {
		return fmt.Errorf("settings.max_workers must be > 0")
	}
	if c.Settings.DPI <= 0 {
		return fmt.Errorf("settings.dpi must be > 0")
	}
	if c.Settings.SaveInterval <= 0 {
		return fmt.Errorf("settings.save_interval must be > 0")
	}
	for i, fr := range c.Files {
		if fr.Name == "" {
			return fmt.Errorf("files[%d]: name is required", i)
		}
		for j, ov := range fr.Overrides {
			if ov.Pages == "" {
				return fmt.Errorf("files[%d].overrides[%d]: pages is required", i, j)
			}
			if ov.Method == "" {
				return fmt.Errorf("files[%d].overrides[%d]: method is required", i, j)
			}
		}
	}
	return nil
}

// FileRuleFor returns the per-file rule matching the base name, or nil.
func (c *Config) FileRuleFor(name string) *FileRule {
	for i := range c.Files {
		if c.Files[i].Name == name {
			return &c.Files[i]
		}
	}
	return nil
}

// FullWorkers returns the "maximum available" worker count: four per CPU,
// capped at 196. Network-bound VLM calls tolerate heavy oversubscription.
func FullWorkers() int {
	n := runtime.NumCPU()
	if n <= 0 {
		n = 4
	}
	w := n * 4
	if w > 196 {
		w = 196
	}
	return w
}
