// Package launcher implements the Container Launcher port (pipeline.Launcher)
// with a Docker-backed variant and a local-process variant, selected per
// task by a Registry.
package launcher

import "encoding/json"

// taggedHandle is the opaque wire format for pipeline.LaunchedContainer.Handle:
// a single-key object naming the concrete launcher kind, mirroring the
// domain's own ArgumentSource tagged-union convention.
type taggedHandle struct {
	Docker  *dockerHandle  `json:"docker,omitempty"`
	Process *processHandle `json:"process,omitempty"`
}

func encodeHandle(h taggedHandle) ([]byte, error) {
	return json.Marshal(h)
}

func decodeHandle(data []byte) (taggedHandle, error) {
	var h taggedHandle
	if len(data) == 0 {
		return h, nil
	}
	err := json.Unmarshal(data, &h)
	return h, err
}
