package coordinator

import (
	"context"
	"fmt"

	"zigbee-lock-hub/internal/metrics"
	"zigbee-lock-hub/internal/ncp"
	"zigbee-lock-hub/internal/zcl"
)

// AttributeResult holds a decoded attribute read result.
type AttributeResult struct {
	AttrID   uint16     `json:"attr_id"`
	AttrName string     `json:"attr_name"`
	TypeID   uint8      `json:"type_id"`
	TypeName string     `json:"type_name"`
	Value    any        `json:"value"`
	Status   zcl.Status `json:"status"`
	Error    string     `json:"error,omitempty"`
}

// ReadAttributes reads attributes from a device endpoint/cluster and decodes them.
func (c *Coordinator) ReadAttributes(ctx context.Context, shortAddr uint16, endpoint uint8, clusterID uint16, attrIDs []uint16) ([]AttributeResult, error) {
	responses, err := c.ncp.ReadAttributes(ctx, ncp.ReadAttributesRequest{
		DstAddr:   shortAddr,
		DstEP:     endpoint,
		ClusterID: clusterID,
		AttrIDs:   attrIDs,
	})
	if err != nil {
		return nil, fmt.Errorf("read attributes: %w", err)
	}

	results := make([]AttributeResult, 0, len(responses))
	for _, r := range responses {
		_, attrName := c.registry.Names(clusterID, r.AttrID)
		result := AttributeResult{
			AttrID:   r.AttrID,
			AttrName: attrName,
			Status:   r.Status,
			TypeID:   r.DataType,
			TypeName: zcl.TypeName(r.DataType),
		}
		switch {
		case r.Status != zcl.StatusSuccess:
			result.Error = r.Status.String()
		case len(r.Value) > 0:
			val, _, err := zcl.DecodeValue(r.DataType, r.Value)
			if err != nil {
				result.Error = err.Error()
			} else {
				result.Value = val
			}
		}
		results = append(results, result)
	}
	return results, nil
}

// WriteAttribute writes a single attribute value.
func (c *Coordinator) WriteAttribute(ctx context.Context, shortAddr uint16, endpoint uint8, clusterID uint16, attrID uint16, dataType uint8, value any) error {
	encoded, err := zcl.EncodeValue(dataType, value)
	if err != nil {
		return fmt.Errorf("encode value: %w", err)
	}
	return c.ncp.WriteAttributes(ctx, ncp.WriteAttributesRequest{
		DstAddr:   shortAddr,
		DstEP:     endpoint,
		ClusterID: clusterID,
		Records: []ncp.WriteRecord{
			{AttrID: attrID, DataType: dataType, Value: encoded},
		},
	})
}

// SendClusterCommand sends a cluster-specific command and returns the
// status the device answered with.
func (c *Coordinator) SendClusterCommand(ctx context.Context, shortAddr uint16, endpoint uint8, clusterID uint16, commandID uint8, payload []byte) (zcl.Status, error) {
	clusterName, _ := c.registry.Names(clusterID, 0)
	status, err := c.ncp.SendCommand(ctx, ncp.ClusterCommandRequest{
		DstAddr:   shortAddr,
		DstEP:     endpoint,
		ClusterID: clusterID,
		CommandID: commandID,
		Payload:   payload,
	})
	if err != nil {
		metrics.ClusterCommands.WithLabelValues(clusterName, "error").Inc()
		return 0, fmt.Errorf("send command 0x%02X to 0x%04X: %w", commandID, shortAddr, err)
	}
	metrics.ClusterCommands.WithLabelValues(clusterName, status.String()).Inc()
	return status, nil
}

// ConfigureReporting sets up attribute reporting on a device.
func (c *Coordinator) ConfigureReporting(ctx context.Context, shortAddr uint16, endpoint uint8, clusterID uint16, attrID uint16, dataType uint8, minInterval, maxInterval uint16, reportableChange []byte) error {
	return c.ncp.ConfigureReporting(ctx, ncp.ConfigureReportingRequest{
		DstAddr:      shortAddr,
		DstEP:        endpoint,
		ClusterID:    clusterID,
		AttrID:       attrID,
		DataType:     dataType,
		MinInterval:  minInterval,
		MaxInterval:  maxInterval,
		ReportChange: reportableChange,
	})
}
