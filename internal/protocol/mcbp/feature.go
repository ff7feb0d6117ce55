package mcbp

import "fmt"

// Feature is a HELLO feature code. Clients advertise the features they
// want in the HELLO packet body as a sequence of big-endian uint16
// values; the server replies with the accepted subset.
type Feature uint16

const (
	FeatureDatatype        Feature = 0x01
	FeatureTLS             Feature = 0x02
	FeatureTCPNoDelay      Feature = 0x03
	FeatureMutationSeqno   Feature = 0x04
	FeatureTCPDelay        Feature = 0x05
	FeatureXattr           Feature = 0x06
	FeatureXerror          Feature = 0x07
	FeatureSelectBucket    Feature = 0x08
	FeatureSnappy          Feature = 0x0a
	FeatureJSON            Feature = 0x0b
	FeatureDuplex          Feature = 0x0c
	// FeatureClustermapChangeNotification lets the server push cluster
	// map updates as server-initiated requests. Requires Duplex.
	FeatureClustermapChangeNotification Feature = 0x0d
	FeatureUnorderedExecution           Feature = 0x0e
	FeatureTracing                      Feature = 0x0f
	FeatureAltRequestSupport            Feature = 0x10
	FeatureSyncReplication              Feature = 0x11
	FeatureCollections                  Feature = 0x12
	FeatureOpenTracing                  Feature = 0x13
)

var featureNames = map[Feature]string{
	FeatureDatatype:                     "Datatype",
	FeatureTLS:                          "TLS",
	FeatureTCPNoDelay:                   "TCP nodelay",
	FeatureMutationSeqno:                "Mutation seqno",
	FeatureTCPDelay:                     "TCP delay",
	FeatureXattr:                        "XATTR",
	FeatureXerror:                       "XERROR",
	FeatureSelectBucket:                 "Select bucket",
	FeatureSnappy:                       "Snappy",
	FeatureJSON:                         "JSON",
	FeatureDuplex:                       "Duplex",
	FeatureClustermapChangeNotification: "Clustermap change notification",
	FeatureUnorderedExecution:           "Unordered execution",
	FeatureTracing:                      "Tracing",
	FeatureAltRequestSupport:            "AltRequestSupport",
	FeatureSyncReplication:              "SyncReplication",
	FeatureCollections:                  "Collections",
	FeatureOpenTracing:                  "OpenTracing",
}

// IsValid reports whether the feature code is known to this server.
func (f Feature) IsValid() bool {
	_, ok := featureNames[f]
	return ok
}

func (f Feature) String() string {
	if name, ok := featureNames[f]; ok {
		return name
	}
	return fmt.Sprintf("Feature(0x%02x)", uint16(f))
}
