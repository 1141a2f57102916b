package controller

import (
	"net/http"

	"tailscale.com/tsweb"

	"github.com/banshee-data/camctl/internal/httputil"
)

// AttachAdminRoutes exposes the controller state on the /debug/ page of mux.
func (c *Controller) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.KVFunc("controller session", func() any { return c.ID().String() })
	debug.KVFunc("controller last frame", func() any {
		st := c.Status()
		if !st.HaveLast {
			return "none"
		}
		return st.LastSequence
	})
	debug.KVFunc("controller processed", func() any { return c.Status().Counters.Processed })

	debug.HandleFunc("controller", "3A controller status as JSON", func(w http.ResponseWriter, r *http.Request) {
		if !httputil.RequireMethod(w, r, http.MethodGet) {
			return
		}
		httputil.WriteJSON(w, http.StatusOK, c.Status())
	})
}
