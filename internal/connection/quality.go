package connection

// qualityHistoryLimit bounds the rolling metrics window per participant.
const qualityHistoryLimit = 20

// classifyQuality maps averaged latency/packet-loss onto a quality label
// using fixed thresholds.
func classifyQuality(latencyMs, packetLossPct float64) Quality {
	switch {
	case latencyMs < 100 && packetLossPct < 1:
		return QualityExcellent
	case latencyMs < 250 && packetLossPct < 2.5:
		return QualityGood
	case latencyMs < 500 && packetLossPct < 5:
		return QualityFair
	default:
		return QualityPoor
	}
}

// rollingAverages computes mean latency and packet loss over the history
// window.
func rollingAverages(history []MetricsSample) (latencyMs, packetLossPct float64) {
	if len(history) == 0 {
		return 0, 0
	}
	for _, s := range history {
		latencyMs += s.LatencyMs
		packetLossPct += s.PacketLossPct
	}
	n := float64(len(history))
	return latencyMs / n, packetLossPct / n
}

// qualityRecommendation returns remediation text for a degraded connection.
// Mobile participants get network-switch guidance.
func qualityRecommendation(q Quality, isMobile bool, network NetworkType) string {
	if q != QualityFair && q != QualityPoor {
		return ""
	}
	if isMobile {
		if network == NetworkCellular {
			return "Your cellular connection is unstable. Switching to WiFi may prevent disconnections."
		}
		return "Your connection is unstable. Moving closer to your router or switching networks may help."
	}
	return "Your connection quality is degraded. Other participants may see delayed moves."
}
