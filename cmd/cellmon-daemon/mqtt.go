package main

import (
	"encoding/json"
	"fmt"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type mqttPublisher struct {
	client mqtt.Client
	topic  string
}

func newMQTTPublisher(cfg MQTTConfig) (*mqttPublisher, error) {
	opts := mqtt.NewClientOptions().AddBroker(cfg.Broker).SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect: %w", token.Error())
	}
	return &mqttPublisher{client: client, topic: cfg.Topic}, nil
}

// Publish sends one gate window's reading as JSON.
func (p *mqttPublisher) Publish(r reading) error {
	cells := r.numCell
	if r.fault {
		cells = -1
	}
	payload := map[string]interface{}{
		"time":        r.time.Unix(),
		"cells_mv":    r.cellsMv,
		"pack_mv":     r.packMv,
		"num_cells":   cells,
		"min_cell_mv": r.minMv,
		"vref_mv":     r.vrefMv,
		"samples":     r.samples,
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	token := p.client.Publish(p.topic, 0, false, b)
	token.Wait()
	return token.Error()
}

func (p *mqttPublisher) Close() {
	p.client.Disconnect(250)
}
