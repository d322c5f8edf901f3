package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/oarkflow/abac"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "convert":
		handleConvert()
	case "validate":
		handleValidate()
	case "stats":
		handleStats()
	case "check":
		handleCheck()
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("abac-config - Configuration tool for the abac decision engine")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  abac-config convert <input> <output>  - Convert between formats")
	fmt.Println("  abac-config validate <file>           - Validate configuration")
	fmt.Println("  abac-config stats <file>              - Show configuration statistics")
	fmt.Println("  abac-config check <file>              - Load into a scratch engine and report")
	fmt.Println()
	fmt.Println("Supported formats: .yaml, .yml, .json, .bin")
}

func handleConvert() {
	if len(os.Args) < 4 {
		fmt.Println("Usage: abac-config convert <input> <output>")
		os.Exit(1)
	}
	inputFile := os.Args[2]
	outputFile := os.Args[3]

	cfg, err := loadConfig(inputFile)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	if err := saveConfig(cfg, outputFile); err != nil {
		fmt.Printf("Error saving config: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Converted %s -> %s\n", inputFile, outputFile)

	inStat, _ := os.Stat(inputFile)
	outStat, _ := os.Stat(outputFile)
	if inStat != nil && outStat != nil {
		reduction := (1 - float64(outStat.Size())/float64(inStat.Size())) * 100
		if reduction > 0 {
			fmt.Printf("Size reduced by %.1f%% (%d -> %d bytes)\n",
				reduction, inStat.Size(), outStat.Size())
		} else {
			fmt.Printf("Size increased by %.1f%% (%d -> %d bytes)\n",
				-reduction, inStat.Size(), outStat.Size())
		}
	}
}

func handleValidate() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: abac-config validate <file>")
		os.Exit(1)
	}
	cfg, err := loadConfig(os.Args[2])
	if err != nil {
		fmt.Printf("Invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("Invalid configuration: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Configuration valid: %d policies, %d actions, %d entity types\n",
		len(cfg.Policies), len(cfg.Schema.Actions), len(cfg.Schema.EntityTypes))
}

func handleStats() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: abac-config stats <file>")
		os.Exit(1)
	}
	cfg, err := loadConfig(os.Args[2])
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	permits, forbids, conditioned := 0, 0, 0
	for _, p := range cfg.Policies {
		ast, err := abac.ParsePolicy(p.Text)
		if err != nil {
			continue
		}
		if ast.Effect == abac.EffectForbid {
			forbids++
		} else {
			permits++
		}
		if _, isTrue := ast.Condition.(*abac.TrueExpr); !isTrue {
			conditioned++
		}
	}
	fmt.Printf("Policies:      %d (%d permit, %d forbid, %d with conditions)\n",
		len(cfg.Policies), permits, forbids, conditioned)
	fmt.Printf("Actions:       %d\n", len(cfg.Schema.Actions))
	fmt.Printf("Entity types:  %d\n", len(cfg.Schema.EntityTypes))
	fmt.Printf("Approvers:     %d (quorum %d)\n", len(cfg.Emergency.Approvers), cfg.Emergency.Quorum)
	fmt.Printf("Risk signals:  threshold %d, %d trusted networks\n",
		cfg.Risk.Threshold, len(cfg.Risk.TrustedNetworks))
}

// handleCheck loads the configuration into a scratch in-memory engine,
// proving the policies survive the full write path.
func handleCheck() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: abac-config check <file>")
		os.Exit(1)
	}
	cfg, err := loadConfig(os.Args[2])
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	audit := abac.NewMemoryAuditSink()
	engine, err := abac.NewEngineFromConfig(context.Background(), cfg, abac.NewMemoryPolicyStore(), audit)
	if err != nil {
		fmt.Printf("Error applying config: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	conflicts := audit.Conflicts()
	fmt.Printf("Loaded %d policies, snapshot version %d, %d conflict reports\n",
		len(cfg.Policies), engine.CurrentSnapshotVersion(), len(conflicts))
	for _, c := range conflicts {
		fmt.Printf("  conflict: %s vs %s (%s)\n", c.PolicyA, c.PolicyB, c.Overlap)
	}
}

func loadConfig(filename string) (*abac.Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	loader := abac.NewConfigLoader()
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		return loader.LoadYAML(data)
	case ".json":
		return loader.LoadJSON(data)
	case ".bin":
		return loader.LoadBinary(data)
	default:
		return nil, fmt.Errorf("unsupported format: %s", filepath.Ext(filename))
	}
}

func saveConfig(cfg *abac.Config, filename string) error {
	var data []byte
	var err error
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		data, err = cfg.ToYAML()
	case ".json":
		data, err = cfg.ToJSON()
	case ".bin":
		data, err = abac.EncodeBinaryConfig(cfg)
	default:
		return fmt.Errorf("unsupported format: %s", filepath.Ext(filename))
	}
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0o644)
}
