package capability

import (
	"github.com/woxQAQ/wasm-bridge/internal/wasm"
)

// Namespace names imported by Odin guests.
const (
	EnvNamespace = "odin_env"
	DOMNamespace = "odin_dom"
)

// DOM builds the odin_dom namespace from the fetch and clipboard providers.
func DOM(fetch *FetchProvider, clipboard *ClipboardProvider) (*wasm.Namespace, error) {
	ns := wasm.NewNamespace(DOMNamespace)
	if err := ns.Add("fetch", fetch.HostFunc()); err != nil {
		return nil, err
	}
	if err := ns.Add("copy_to_clipboard", clipboard.CopyFunc()); err != nil {
		return nil, err
	}
	if err := ns.Add("get_clipboard_text", clipboard.ReadFunc()); err != nil {
		return nil, err
	}
	return ns, nil
}
