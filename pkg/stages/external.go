package stages

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/techdocs/docpipe/pkg/pipeline"
)

// Handler is the pluggable body of an external stage. Implementations call
// out to the parsing, embedding, or indexing services; the default handler
// passes the context through unchanged.
type Handler func(ctx context.Context, pctx *pipeline.ProcessingContext) (map[string]interface{}, error)

// External wraps a Handler as a StageProcessor so every canonical stage is
// schedulable even when its real work lives outside this process.
type External struct {
	name    string
	inputs  []string
	outputs []string
	profile pipeline.ResourceProfile
	handler Handler
	logger  zerolog.Logger
}

func (e *External) Name() string                              { return e.name }
func (e *External) RequiredInputs() []string                  { return e.inputs }
func (e *External) Outputs() []string                         { return e.outputs }
func (e *External) ResourceProfile() pipeline.ResourceProfile { return e.profile }

func (e *External) Process(ctx context.Context, pctx *pipeline.ProcessingContext) (pipeline.ProcessingResult, error) {
	data, err := e.handler(ctx, pctx)
	if err != nil {
		return pipeline.ProcessingResult{}, err
	}
	e.logger.Debug().
		Str("document_id", pctx.DocumentID).
		Str("correlation_id", pctx.CorrelationID).
		Msg("external handler finished")
	return pipeline.ProcessingResult{Success: true, Data: data}, nil
}

func passthrough(context.Context, *pipeline.ProcessingContext) (map[string]interface{}, error) {
	return nil, nil
}

// externalSpec declares the static shape of one external stage.
type externalSpec struct {
	name    string
	inputs  []string
	outputs []string
	profile pipeline.ResourceProfile
}

var cpuBound = pipeline.ResourceProfile{CPUIntensive: true, ParallelSafe: true, EstRAMGB: 2}
var gpuBound = pipeline.ResourceProfile{GPURequired: true, MemoryIntensive: true, EstRAMGB: 8, EstGPUGB: 6}
var ioBound = pipeline.ResourceProfile{ParallelSafe: true, EstRAMGB: 0.5}

var externalSpecs = []externalSpec{
	{pipeline.StageTextExtraction, []string{"file_path"}, []string{"pages", "text_blocks"}, cpuBound},
	{pipeline.StageTableExtraction, []string{"pages"}, []string{"tables"}, cpuBound},
	{pipeline.StageSVGProcessing, []string{"pages"}, []string{"svg_assets"}, cpuBound},
	{pipeline.StageImageProcessing, []string{"pages"}, []string{"image_assets"}, cpuBound},
	{pipeline.StageVisualEmbedding, []string{"image_assets"}, []string{"visual_vectors"}, gpuBound},
	{pipeline.StageLinkExtraction, []string{"text_blocks"}, []string{"links"}, ioBound},
	{pipeline.StageChunkPreprocessing, []string{"text_blocks"}, []string{"chunks"}, cpuBound},
	{pipeline.StageClassification, []string{"chunks"}, []string{"document_class"}, gpuBound},
	{pipeline.StageMetadataExtraction, []string{"chunks"}, []string{"metadata"}, cpuBound},
	{pipeline.StagePartsExtraction, []string{"tables", "chunks"}, []string{"parts"}, cpuBound},
	{pipeline.StageSeriesDetection, []string{"metadata"}, []string{"series"}, ioBound},
	{pipeline.StageStorage, []string{"chunks", "tables", "parts"}, []string{"stored_ids"}, ioBound},
	{pipeline.StageEmbedding, []string{"chunks"}, []string{"vectors"}, gpuBound},
	{pipeline.StageSearchIndexing, []string{"vectors", "stored_ids"}, []string{"index_refs"}, ioBound},
}

// RegisterExternals registers a processor for every canonical stage except
// upload. Handlers override the default passthrough per stage name.
func RegisterExternals(registry *pipeline.Registry, logger zerolog.Logger, handlers map[string]Handler) error {
	for _, spec := range externalSpecs {
		handler := handlers[spec.name]
		if handler == nil {
			handler = passthrough
		}
		p := &External{
			name:    spec.name,
			inputs:  spec.inputs,
			outputs: spec.outputs,
			profile: spec.profile,
			handler: handler,
			logger:  logger.With().Str("component", spec.name+"_stage").Logger(),
		}
		if err := registry.Register(p); err != nil {
			return err
		}
	}
	return nil
}
