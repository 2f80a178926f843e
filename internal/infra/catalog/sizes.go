package catalog

// defaultModelSizes estimates in-memory footprint by model-name glob.
// Figures assume 4-bit quantization, the common case for local serving;
// exact entries for popular tags sit above the coarse parameter-count
// globs so they match first.
var defaultModelSizes = map[string]int64{
	// Exact-ish tags
	"tinyllama*":   669_000_000,
	"smollm2*":     386_000_000,
	"qwen2.5:1.5b": 986_000_000,
	"phi3*":        2_400_000_000,
	"gemma2:2b":    1_600_000_000,
	"llama3.2:1b":  750_000_000,
	"llama3.2:3b":  2_000_000_000,
	"llama3:8b":    4_900_000_000,
	"llama3.1:8b":  4_900_000_000,
	"mistral:7b":   4_400_000_000,
	"mixtral*":     26_000_000_000,

	// Parameter-count fallbacks
	"*0.5b*": 400_000_000,
	"*1b*":   800_000_000,
	"*1.5b*": 1_000_000_000,
	"*2b*":   1_600_000_000,
	"*3b*":   2_000_000_000,
	"*7b*":   4_400_000_000,
	"*8b*":   4_900_000_000,
	"*13b*":  7_400_000_000,
	"*14b*":  8_000_000_000,
	"*30b*":  17_000_000_000,
	"*34b*":  19_000_000_000,
	"*70b*":  40_000_000_000,
	"*72b*":  41_000_000_000,
}
