package kms

import (
	"fmt"
	"os"

	"github.com/NeowayLabs/drm/mode"
	"github.com/rs/zerolog/log"
)

// KMS properties have no stable IDs; they must be resolved by name per
// object at discovery time. The indices below are our compile-time names
// for the properties the commit path sets, resolved once into flat ID
// arrays on the output. An ID of 0 means the object lacks the property.

type planeProp int

const (
	planeCrtcID planeProp = iota
	planeFBID
	planeSrcX
	planeSrcY
	planeSrcW
	planeSrcH
	planeCrtcX
	planeCrtcY
	planeCrtcW
	planeCrtcH
	planeInFormats
	planeInFenceFD
	planePropCount
)

var planePropNames = [planePropCount]string{
	planeCrtcID:    "CRTC_ID",
	planeFBID:      "FB_ID",
	planeSrcX:      "SRC_X",
	planeSrcY:      "SRC_Y",
	planeSrcW:      "SRC_W",
	planeSrcH:      "SRC_H",
	planeCrtcX:     "CRTC_X",
	planeCrtcY:     "CRTC_Y",
	planeCrtcW:     "CRTC_W",
	planeCrtcH:     "CRTC_H",
	planeInFormats: "IN_FORMATS",
	planeInFenceFD: "IN_FENCE_FD",
}

type crtcProp int

const (
	crtcModeID crtcProp = iota
	crtcActive
	crtcOutFencePtr
	crtcPropCount
)

var crtcPropNames = [crtcPropCount]string{
	crtcModeID:      "MODE_ID",
	crtcActive:      "ACTIVE",
	crtcOutFencePtr: "OUT_FENCE_PTR",
}

type connectorProp int

const (
	connectorEDID connectorProp = iota
	connectorCrtcID
	connectorNonDesktop
	connectorPropCount
)

var connectorPropNames = [connectorPropCount]string{
	connectorEDID:       "EDID",
	connectorCrtcID:     "CRTC_ID",
	connectorNonDesktop: "non-desktop",
}

// resolveProps fetches the object's property list and maps each wanted
// name to its ID. The returned slice is indexed like names; absent
// properties stay 0. The raw Properties are returned too so current
// values (e.g. blob IDs) can be read without another round trip.
func resolveProps(file *os.File, objID, objType uint32, names []string) ([]uint32, *mode.Properties, error) {
	props, err := mode.GetProperties(file, objID, objType)
	if err != nil {
		return nil, nil, fmt.Errorf("getting properties of object %d: %w", objID, err)
	}

	ids := make([]uint32, len(names))
	for _, propID := range props.Props {
		prop, err := mode.GetProperty(file, propID)
		if err != nil {
			log.Debug().Uint32("prop", propID).Err(err).
				Msg("skipping unreadable property")
			continue
		}
		for i, name := range names {
			if prop.Name == name {
				ids[i] = propID
				break
			}
		}
	}
	return ids, props, nil
}

// propertyValue returns the current value of the property with the given
// ID from a raw property listing.
func propertyValue(props *mode.Properties, propID uint32) (uint64, bool) {
	if propID == 0 {
		return 0, false
	}
	for i, id := range props.Props {
		if id == propID {
			return props.PropValues[i], true
		}
	}
	return 0, false
}
