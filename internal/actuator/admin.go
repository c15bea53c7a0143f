package actuator

import (
	"net/http"

	"tailscale.com/tsweb"

	"github.com/banshee-data/pear-sorter/internal/decision"
	"github.com/banshee-data/pear-sorter/internal/httputil"
)

// AttachAdminRoutes mounts the controller's debug pages under /debug/ on mux.
//
//	GET  /debug/actuator        status and session counters as JSON
//	POST /debug/actuator-pulse  queue a manual ON pulse (cmd=OFF for OFF)
func (c *Controller) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.Handle("actuator", "Actuator controller status", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSONOK(w, c.Status())
	}))

	debug.Handle("actuator-pulse", "Queue a manual actuator command (POST)", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			httputil.MethodNotAllowed(w)
			return
		}
		cmd := decision.On
		if v := r.FormValue("cmd"); v != "" {
			parsed, err := decision.ParseCommand(v)
			if err != nil {
				httputil.BadRequest(w, err.Error())
				return
			}
			cmd = parsed
		}
		if c.State().Terminal() {
			httputil.WriteJSONError(w, http.StatusConflict, "actuator is "+c.State().String())
			return
		}
		if !c.Trigger(cmd) {
			httputil.WriteJSONError(w, http.StatusTooManyRequests, "a manual command is already queued")
			return
		}
		httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"queued": cmd.String()})
	}))
}
