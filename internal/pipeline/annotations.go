package pipeline

// mergeAnnotations ports the original's _update_dict_recursive: a
// recursive dict merge where the right side wins at leaves and list
// values are replaced wholesale rather than concatenated. The launcher
// receives default ⊕ pipeline_run.annotations ⊕ task_spec.annotations,
// applied left to right with this function.
func mergeAnnotations(base, overlay map[string]any) map[string]any {
	if base == nil && overlay == nil {
		return nil
	}
	merged := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		merged[k] = v
	}
	for k, overlayVal := range overlay {
		baseVal, exists := merged[k]
		if !exists {
			merged[k] = overlayVal
			continue
		}
		baseMap, baseIsMap := baseVal.(map[string]any)
		overlayMap, overlayIsMap := overlayVal.(map[string]any)
		if baseIsMap && overlayIsMap {
			merged[k] = mergeAnnotations(baseMap, overlayMap)
			continue
		}
		// Lists (and every other type) are replaced, not concatenated.
		merged[k] = overlayVal
	}
	return merged
}

// mergeAllAnnotations applies mergeAnnotations across the three sources
// named in section 6, in order: platform defaults, pipeline-run level,
// then the individual task's own annotations win at the leaves.
func mergeAllAnnotations(defaults, runAnnotations, taskAnnotations map[string]any) map[string]any {
	return mergeAnnotations(mergeAnnotations(defaults, runAnnotations), taskAnnotations)
}
