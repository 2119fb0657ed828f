// Package mqttbinding implements the MQTT protocol binding (§4.H): the
// broker-mediated topic scheme, QoS defaults, server-side dispatch and a
// binding.Client built atop internal/mqttpool's connection pool.
package mqttbinding

import "fmt"

// QoS defaults from §4.H.
const (
	QoSPropertyPublish byte = 0
	QoSWrite           byte = 2
	QoSWriteAckSub     byte = 1
	QoSInvoke          byte = 2
	QoSInvokeSub       byte = 1
	QoSEvent           byte = 0
)

func PropertyTopic(servientID, thingURL, propURL string) string {
	return fmt.Sprintf("%s/property/%s/%s", servientID, thingURL, propURL)
}

func PropertyWriteTopic(servientID, thingURL, propURL string) string {
	return PropertyTopic(servientID, thingURL, propURL) + "/write"
}

func PropertyWriteAckTopic(servientID, thingURL, propURL string) string {
	return PropertyWriteTopic(servientID, thingURL, propURL) + "/ack"
}

func PropertyReadTopic(servientID, thingURL, propURL string) string {
	return PropertyTopic(servientID, thingURL, propURL) + "/read"
}

func ActionTopic(servientID, thingURL, actURL string) string {
	return fmt.Sprintf("%s/action/%s/%s", servientID, thingURL, actURL)
}

func ActionResultTopic(servientID, thingURL, actURL string) string {
	return ActionTopic(servientID, thingURL, actURL) + "/result"
}

func EventTopic(servientID, thingURL, evtURL string) string {
	return fmt.Sprintf("%s/event/%s/%s", servientID, thingURL, evtURL)
}
