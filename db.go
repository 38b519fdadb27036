package pagestore

// This file is the page store's top-level entry point: open the durable
// KV Backend and hand back a PageManager ready to OpenPage.

// Engine is the top-level handle returned by Open: one durable KV Backend
// shared by every page, plus the live Page Manager that schedules work
// against it (spec §4.A, §4.F).
type Engine struct {
	Backend *Backend
	Pages   *PageManager
}

// Open opens (creating if necessary) the durable backend at path and
// returns an Engine ready to serve OpenPage.
func Open(path string, opt BackendOptions) (*Engine, error) {
	be, err := OpenBackend(path, opt)
	if err != nil {
		return nil, err
	}
	return &Engine{Backend: be, Pages: NewPageManager(be)}, nil
}

// OpenPage is a convenience forward to Engine.Pages.OpenPage.
func (e *Engine) OpenPage(id ID) (*Page, error) {
	return e.Pages.OpenPage(id)
}

// Close stops every open page's scheduler and closes the durable backend.
func (e *Engine) Close() error {
	e.Pages.CloseAll()
	return e.Backend.Close()
}
