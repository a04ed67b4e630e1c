// Command extcompile compiles a JSON or YAML rule list into the two
// binary artifacts the matcher needs (an action buffer and a bytecode
// program), plus a UUID-tagged manifest sidecar for downstream caching.
package main

import (
	"encoding/json"
	"flag"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/coregx/contentfilter/compiler"
	"github.com/coregx/contentfilter/internal/sysinfo"
)

type manifest struct {
	BuildID              string    `json:"buildId"`
	CreatedAt            time.Time `json:"createdAt"`
	RuleCount            int       `json:"ruleCount"`
	UniversalActionCount int       `json:"universalActionCount"`
	LiteralFastPath      bool      `json:"literalFastPath"`
	ActionsFile          string    `json:"actionsFile"`
	BytecodeFile         string    `json:"bytecodeFile"`
	CombinedFile         string    `json:"combinedFile"`
}

func main() {
	rulesPath := flag.String("rules", "", "path to a JSON or YAML rule list")
	outDir := flag.String("out", ".", "directory to write actions.bin, bytecode.bin, and manifest.json into")
	maxUniversal := flag.Int("max-universal-actions", compiler.DefaultConfig().MaxUniversalActions, "cap on MatchesEverything triggers")
	ahoThreshold := flag.Int("aho-threshold", compiler.DefaultConfig().AhoCorasickThreshold, "purely-literal triggers in the rule list above which the Aho-Corasick fast path is built")
	prefixDepth := flag.Int("prefix-depth", 0, "filterset prefix-trie depth (0 uses the package default)")
	patternDepth := flag.Int("pattern-depth", 0, "urlpattern nested-group depth limit (0 uses the package default)")
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if *rulesPath == "" {
		logger.Fatal("missing required -rules flag")
	}

	rules, err := loadRules(*rulesPath)
	if err != nil {
		logger.Fatal("failed to load rule list", zap.Error(err))
	}
	logger.Info("loaded rule list", zap.String("path", *rulesPath), zap.Int("rules", len(rules)), zap.Int("page_size", sysinfo.PageSize()))

	cfg := compiler.DefaultConfig()
	cfg.MaxUniversalActions = *maxUniversal
	cfg.AhoCorasickThreshold = *ahoThreshold
	if *prefixDepth > 0 {
		cfg.PrefixDepth = *prefixDepth
	}
	if *patternDepth > 0 {
		cfg.MaxPatternDepth = *patternDepth
	}

	actionsPath := filepath.Join(*outDir, "actions.bin")
	bytecodePath := filepath.Join(*outDir, "bytecode.bin")
	client := &fileClient{actionsPath: actionsPath, bytecodePath: bytecodePath}

	result, err := compiler.Compile(rules, client, cfg)
	if err != nil {
		logFailure(logger, err)
		os.Exit(1)
	}

	logger.Info("compiled rule list",
		zap.Int("universal_actions", result.UniversalActionCount),
		zap.Bool("literal_fast_path", result.LiteralIndex != nil),
	)

	combinedPath := filepath.Join(*outDir, "combined.bin")
	if err := os.WriteFile(combinedPath, client.combined(), 0o644); err != nil {
		logger.Fatal("failed to write combined artifact", zap.Error(err))
	}

	m := manifest{
		BuildID:              uuid.NewString(),
		CreatedAt:            time.Now().UTC(),
		RuleCount:            len(result.ActionLocations),
		UniversalActionCount: result.UniversalActionCount,
		LiteralFastPath:      result.LiteralIndex != nil,
		ActionsFile:          filepath.Base(actionsPath),
		BytecodeFile:         filepath.Base(bytecodePath),
		CombinedFile:         filepath.Base(combinedPath),
	}
	manifestData, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		logger.Fatal("failed to encode manifest", zap.Error(err))
	}
	if err := os.WriteFile(filepath.Join(*outDir, "manifest.json"), manifestData, 0o644); err != nil {
		logger.Fatal("failed to write manifest", zap.Error(err))
	}

	logger.Info("wrote artifacts", zap.String("build_id", m.BuildID), zap.String("out_dir", *outDir))
}

// logFailure logs a compile error with whatever structured fields its
// concrete type carries, rather than a single opaque message.
func logFailure(logger *zap.Logger, err error) {
	switch e := err.(type) {
	case *compiler.InvalidRegexError:
		logger.Error("invalid URL pattern", zap.Int("rule", e.RuleIndex), zap.String("pattern", e.Pattern), zap.String("reason", e.Reason))
	case *compiler.InvalidActionError:
		logger.Error("invalid action", zap.Int("rule", e.RuleIndex))
	case *compiler.ActionTooLargeError:
		logger.Error("action too large", zap.Int("rule", e.RuleIndex), zap.Int("length", e.Length))
	case *compiler.RegexMatchesEverythingAfterIgnorePreviousRulesError:
		logger.Error("universal pattern follows an ignore-previous-rules rule", zap.Int("rule", e.RuleIndex))
	case *compiler.TooManyUniversalActionsError:
		logger.Error("too many universal actions", zap.Int("count", e.Count))
	case *compiler.ProgramTooLargeError:
		logger.Error("compiled program too large", zap.Int("bytes", e.Size))
	case *compiler.ConfigError:
		logger.Error("invalid config", zap.String("field", e.Field), zap.String("reason", e.Reason))
	default:
		logger.Error("compile failed", zap.Error(err))
	}
}
