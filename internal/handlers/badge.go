package handlers

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/Garl-Protocol/garl/internal/core"
)

var tierColors = map[core.Tier]string{
	core.TierBronze:     "#cd7f32",
	core.TierSilver:     "#9f9f9f",
	core.TierGold:       "#d4af37",
	core.TierEnterprise: "#4c1",
}

// Badge serves the JSON trust badge.
func (h *Handlers) Badge(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !validUUID(id) {
		writeError(w, core.NewError(core.KindValidation, "invalid agent id"))
		return
	}

	v, err := h.Trust.Verify(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !v.Registered {
		writeError(w, core.ErrAgentNotFound)
		return
	}

	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"schemaVersion": 1,
		"label":         "garl trust",
		"message":       fmt.Sprintf("%.1f %s", v.TrustScore, v.CertificationTier),
		"color":         tierColors[v.CertificationTier],
		"agent_id":      id,
		"verified":      v.Verified,
	})
}

// BadgeSVG renders a shields-style SVG badge, tier-colored.
func (h *Handlers) BadgeSVG(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !validUUID(id) {
		writeError(w, core.NewError(core.KindValidation, "invalid agent id"))
		return
	}

	v, err := h.Trust.Verify(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !v.Registered {
		writeError(w, core.ErrAgentNotFound)
		return
	}

	label := "garl trust"
	message := fmt.Sprintf("%.1f · %s", v.TrustScore, v.CertificationTier)
	color := tierColors[v.CertificationTier]

	labelW := 6*len(label) + 10
	msgW := 6*len(message) + 10
	totalW := labelW + msgW

	svg := fmt.Sprintf(`<svg xmlns="http://www.w3.org/2000/svg" width="%d" height="20" role="img" aria-label="%s: %s">
<linearGradient id="s" x2="0" y2="100%%"><stop offset="0" stop-color="#bbb" stop-opacity=".1"/><stop offset="1" stop-opacity=".1"/></linearGradient>
<rect rx="3" width="%d" height="20" fill="#555"/>
<rect rx="3" x="%d" width="%d" height="20" fill="%s"/>
<rect rx="3" width="%d" height="20" fill="url(#s)"/>
<g fill="#fff" text-anchor="middle" font-family="Verdana,sans-serif" font-size="11">
<text x="%d" y="14">%s</text>
<text x="%d" y="14">%s</text>
</g></svg>`,
		totalW, label, message,
		totalW,
		labelW, msgW, color,
		totalW,
		labelW/2, label,
		labelW+msgW/2, message)

	w.Header().Set("Content-Type", "image/svg+xml")
	w.Header().Set("Cache-Control", "public, max-age=300")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, svg)
}
