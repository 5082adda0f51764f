package pipeline

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// canonicalJSON serializes v as a JSON value with map keys sorted
// lexicographically and the tightest separators (no spaces), matching
// section 6's "canonical JSON with sorted keys" requirement. Go's
// encoding/json already sorts map[string]X keys and uses compact
// separators by default, but we re-marshal through a generic value so
// nested maps of interface{} (as produced by json.Unmarshal or built by
// hand) are normalized the same way regardless of how they were built.
func canonicalJSON(v any) ([]byte, error) {
	normalized, err := normalize(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalized); err != nil {
		return nil, err
	}
	// json.Encoder.Encode appends a trailing newline; canonical output must not have one.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// normalize round-trips v through JSON so that struct field ordering and
// Go-specific types collapse to map[string]any/[]any/primitives, which
// encoding/json then serializes with sorted keys.
func normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return generic, nil
}

// md5Hex returns "md5=<hex>" for the given bytes, the encoding used by
// both ArtifactData.Hash and the cache key itself.
func md5Hex(data []byte) string {
	sum := md5.Sum(data)
	return "md5=" + hex.EncodeToString(sum[:])
}

// cacheKeyInput is the JSON object hashed to produce a cache key, per
// section 4.4: {"container_spec": <canonical ContainerSpec>, "input_hashes": {name: hash}}.
type cacheKeyInput struct {
	ContainerSpec any               `json:"container_spec"`
	InputHashes   map[string]string `json:"input_hashes"`
}

// computeCacheKey hashes a container spec together with the content hash
// of each resolved input artifact. Two nodes with byte-identical
// container specs and input hash maps always produce the same key
// (testable property of section 8).
func computeCacheKey(containerSpec *ContainerImplementation, inputHashes map[string]string) (string, error) {
	// Guarantee deterministic map iteration doesn't leak into the hash by
	// going through canonicalJSON, which re-sorts via encoding/json.
	sortedHashes := make(map[string]string, len(inputHashes))
	keys := make([]string, 0, len(inputHashes))
	for k, v := range inputHashes {
		sortedHashes[k] = v
		keys = append(keys, k)
	}
	sort.Strings(keys)

	payload := cacheKeyInput{
		ContainerSpec: containerSpec,
		InputHashes:   sortedHashes,
	}
	canonical, err := canonicalJSON(payload)
	if err != nil {
		return "", err
	}
	return md5Hex(canonical), nil
}
