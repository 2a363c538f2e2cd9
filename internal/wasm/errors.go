package wasm

import (
	"fmt"
	"strings"
)

// CompilationError occurs when Wasm module compilation fails
type CompilationError struct {
	ModuleName string
	Err        error
}

func (e *CompilationError) Error() string {
	return fmt.Sprintf("failed to compile Wasm module '%s': %v", e.ModuleName, e.Err)
}

func (e *CompilationError) Unwrap() error {
	return e.Err
}

// InstantiationError occurs when module instantiation fails
type InstantiationError struct {
	ModuleName string
	InstanceID string
	Err        error
}

func (e *InstantiationError) Error() string {
	return fmt.Sprintf("failed to instantiate module '%s' (instance: %s): %v",
		e.ModuleName, e.InstanceID, e.Err)
}

func (e *InstantiationError) Unwrap() error {
	return e.Err
}

// FunctionNotFoundError occurs when an exported function is missing
type FunctionNotFoundError struct {
	ModuleName   string
	FunctionName string
}

func (e *FunctionNotFoundError) Error() string {
	return fmt.Sprintf("function '%s' not found in module '%s'",
		e.FunctionName, e.ModuleName)
}

// HostFunctionError occurs when host function execution fails.
// It aborts the guest call that invoked the host function.
type HostFunctionError struct {
	FunctionName string
	Err          error
}

func (e *HostFunctionError) Error() string {
	return fmt.Sprintf("host function '%s' failed: %v", e.FunctionName, e.Err)
}

func (e *HostFunctionError) Unwrap() error {
	return e.Err
}

// ConfigurationError occurs when the host configuration cannot work with the
// module, e.g. an address width mismatch or an undersized memory ceiling.
type ConfigurationError struct {
	Field   string
	Message string
}

func (e *ConfigurationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("configuration error: %s (field: %s)", e.Message, e.Field)
	}
	return fmt.Sprintf("configuration error: %s", e.Message)
}

// ImportRef names one import declared by a module.
type ImportRef struct {
	Namespace string
	Name      string
	Kind      string
	Reason    string
}

func (r ImportRef) String() string {
	s := fmt.Sprintf("%s %s.%s", r.Kind, r.Namespace, r.Name)
	if r.Reason != "" {
		s += " (" + r.Reason + ")"
	}
	return s
}

// UnsatisfiedImportError occurs when a module declares imports the host
// cannot provide. No part of the module is instantiated.
type UnsatisfiedImportError struct {
	ModuleName string
	Missing    []ImportRef
}

func (e *UnsatisfiedImportError) Error() string {
	refs := make([]string, len(e.Missing))
	for i, r := range e.Missing {
		refs[i] = r.String()
	}
	return fmt.Sprintf("module '%s' has %d unsatisfied import(s): %s",
		e.ModuleName, len(e.Missing), strings.Join(refs, ", "))
}

// DuplicateFunctionError occurs when a name is registered twice in a namespace.
type DuplicateFunctionError struct {
	Namespace string
	Name      string
}

func (e *DuplicateFunctionError) Error() string {
	return fmt.Sprintf("host function '%s.%s' is already registered", e.Namespace, e.Name)
}

// GuestTrapError occurs when the guest explicitly traps or aborts through a
// host call.
type GuestTrapError struct {
	FunctionName string
	Reason       string
}

func (e *GuestTrapError) Error() string {
	return fmt.Sprintf("guest trapped via '%s': %s", e.FunctionName, e.Reason)
}
