//go:build tinygo

package main

import (
	"encoding/json"
	"unsafe"

	"github.com/groundworkhq/groundwork/pkg/engine"
)

// allocations pins buffers handed to the host so the GC cannot move or
// collect them between malloc and free.
var allocations = map[uintptr][]byte{}

//export malloc
func malloc(size uint32) uintptr {
	buf := make([]byte, size)
	ptr := uintptr(unsafe.Pointer(&buf[0]))
	allocations[ptr] = buf
	return ptr
}

//export free
func free(ptr uintptr) {
	delete(allocations, ptr)
}

//export provider_init
func providerInit(ptr, size uint32) uint64 {
	var config engine.ProviderConfig
	if err := decodeInput(ptr, size, &config); err != nil {
		return respondError(err)
	}
	if err := plugin.init(config); err != nil {
		return respondError(err)
	}
	return respond(map[string]bool{"ok": true})
}

//export provider_read
func providerRead(ptr, size uint32) uint64 {
	var req engine.ReadRequest
	if err := decodeInput(ptr, size, &req); err != nil {
		return respondError(err)
	}
	resp, err := plugin.read(req)
	if err != nil {
		return respondError(err)
	}
	return respond(resp)
}

//export provider_plan
func providerPlan(ptr, size uint32) uint64 {
	var req engine.PlanRequest
	if err := decodeInput(ptr, size, &req); err != nil {
		return respondError(err)
	}
	resp, err := plugin.plan(req)
	if err != nil {
		return respondError(err)
	}
	return respond(resp)
}

//export provider_apply
func providerApply(ptr, size uint32) uint64 {
	var req engine.ApplyRequest
	if err := decodeInput(ptr, size, &req); err != nil {
		return respondError(err)
	}
	resp, err := plugin.apply(req)
	if err != nil {
		return respondError(err)
	}
	return respond(resp)
}

//export provider_destroy
func providerDestroy(ptr, size uint32) uint64 {
	var req engine.DestroyRequest
	if err := decodeInput(ptr, size, &req); err != nil {
		return respondError(err)
	}
	resp, err := plugin.destroy(req)
	if err != nil {
		return respondError(err)
	}
	return respond(resp)
}

//export provider_validate
func providerValidate(ptr, size uint32) uint64 {
	config := readInput(ptr, size)
	if err := plugin.validate(config); err != nil {
		return respond(map[string]interface{}{
			"valid":  false,
			"errors": []string{err.Error()},
		})
	}
	return respond(map[string]interface{}{"valid": true})
}

func readInput(ptr, size uint32) []byte {
	if size == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(ptr))), size)
}

func decodeInput(ptr, size uint32, v interface{}) error {
	buf := readInput(ptr, size)
	if len(buf) == 0 {
		return nil
	}
	return json.Unmarshal(buf, v)
}

// respond packs a JSON payload into (ptr<<32 | len) for the host to
// read back out of linear memory.
func respond(v interface{}) uint64 {
	raw, err := json.Marshal(v)
	if err != nil {
		return respondError(err)
	}
	return pack(raw)
}

func respondError(err error) uint64 {
	raw, merr := json.Marshal(map[string]string{"error": err.Error()})
	if merr != nil {
		raw = []byte(`{"error":"internal encoding failure"}`)
	}
	return pack(raw)
}

func pack(raw []byte) uint64 {
	ptr := malloc(uint32(len(raw)))
	copy(allocations[ptr], raw)
	return uint64(ptr)<<32 | uint64(uint32(len(raw)))
}
