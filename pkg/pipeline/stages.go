// Package pipeline is the execution engine core: the processing context,
// stage processor contract, retry orchestrator, and the scheduler that
// drives a document through its ordered stage list.
package pipeline

// Canonical stage names, in pipeline order.
const (
	StageUpload             = "upload"
	StageTextExtraction     = "text_extraction"
	StageTableExtraction    = "table_extraction"
	StageSVGProcessing      = "svg_processing"
	StageImageProcessing    = "image_processing"
	StageVisualEmbedding    = "visual_embedding"
	StageLinkExtraction     = "link_extraction"
	StageChunkPreprocessing = "chunk_preprocessing"
	StageClassification     = "classification"
	StageMetadataExtraction = "metadata_extraction"
	StagePartsExtraction    = "parts_extraction"
	StageSeriesDetection    = "series_detection"
	StageStorage            = "storage"
	StageEmbedding          = "embedding"
	StageSearchIndexing     = "search_indexing"
)

var canonicalOrder = []string{
	StageUpload,
	StageTextExtraction,
	StageTableExtraction,
	StageSVGProcessing,
	StageImageProcessing,
	StageVisualEmbedding,
	StageLinkExtraction,
	StageChunkPreprocessing,
	StageClassification,
	StageMetadataExtraction,
	StagePartsExtraction,
	StageSeriesDetection,
	StageStorage,
	StageEmbedding,
	StageSearchIndexing,
}

var stageIndex = func() map[string]int {
	idx := make(map[string]int, len(canonicalOrder))
	for i, name := range canonicalOrder {
		idx[name] = i
	}
	return idx
}()

// CanonicalStages returns the full ordered stage list. The returned slice
// is a copy; callers may reorder it.
func CanonicalStages() []string {
	out := make([]string, len(canonicalOrder))
	copy(out, canonicalOrder)
	return out
}

// StageIndex returns a stage's position in the canonical order.
func StageIndex(name string) (int, bool) {
	i, ok := stageIndex[name]
	return i, ok
}

// IsKnownStage reports whether name is a canonical stage.
func IsKnownStage(name string) bool {
	_, ok := stageIndex[name]
	return ok
}
