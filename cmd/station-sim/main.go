package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"salonpad/companion-sync/internal/model"
	"salonpad/companion-sync/internal/topics"
)

func main() {
	brokerAddr := flag.String("broker", "tcp://localhost:1883", "MQTT broker address, e.g. tcp://localhost:1883")
	salonID := flag.String("salon-id", "demo-salon", "Salon identifier")
	stationID := flag.String("station-id", "demo-station", "Station identifier")
	stationName := flag.String("station-name", "Demo Station", "Station display name")
	heartbeatInterval := flag.Duration("heartbeat-interval", 5*time.Second, "Interval between station heartbeats")
	transactionInterval := flag.Duration("transaction-interval", 30*time.Second, "Interval between pushed checkouts")
	paymentDelay := flag.Duration("payment-delay", 20*time.Second, "Delay before publishing an approved payment result")

	flag.Parse()

	clientID := fmt.Sprintf("%s-simulator-%d", *stationID, time.Now().UnixNano())
	opts := mqtt.NewClientOptions().AddBroker(*brokerAddr).SetClientID(clientID)
	opts = opts.SetOrderMatters(false)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Fatalf("failed to connect to broker: %v", token.Error())
	}
	log.Printf("connected to MQTT broker %s as %s", *brokerAddr, clientID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	publish := func(topic string, v any) {
		data, err := json.Marshal(v)
		if err != nil {
			log.Printf("failed to encode payload: %v", err)
			return
		}
		token := client.Publish(topic, 0, false, data)
		token.Wait()
		if err := token.Error(); err != nil {
			log.Printf("publish error: %v", err)
			return
		}
		log.Printf("published %s", topic)
	}

	// watch the pad's side of the conversation
	padEvents := topics.PadEvent(*salonID, *stationID, "+")
	if token := client.Subscribe(padEvents, 0, func(_ mqtt.Client, msg mqtt.Message) {
		log.Printf("pad event %s: %s", msg.Topic(), msg.Payload())
	}); token.Wait() && token.Error() != nil {
		log.Fatalf("failed to subscribe to %s: %v", padEvents, token.Error())
	}

	heartbeatTicker := time.NewTicker(*heartbeatInterval)
	defer heartbeatTicker.Stop()
	transactionTicker := time.NewTicker(*transactionInterval)
	defer transactionTicker.Stop()

	heartbeat := func() {
		publish(topics.StationHeartbeat(*salonID, *stationID), model.HeartbeatPayload{
			DeviceID:   *stationID,
			DeviceName: *stationName,
			SalonID:    *salonID,
			Timestamp:  time.Now().UTC(),
		})
	}

	pushTransaction := func() {
		txnID := uuid.NewString()
		publish(topics.PadEvent(*salonID, *stationID, topics.EventTransaction), model.TransactionReady{
			TransactionID: txnID,
			ClientName:    "Walk-in Client",
			Items: []model.LineItem{
				{Name: "Haircut", Quantity: 1, Amount: 6500},
				{Name: "Conditioning Treatment", Quantity: 1, Amount: 2000},
			},
			Subtotal:  8500,
			Tax:       722,
			Total:     9222,
			Timestamp: time.Now().UTC(),
		})

		time.AfterFunc(*paymentDelay, func() {
			publish(topics.PadEvent(*salonID, *stationID, topics.EventPaymentResult), model.PaymentResult{
				TransactionID: txnID,
				Approved:      true,
				Timestamp:     time.Now().UTC(),
			})
		})
	}

	heartbeat()
	pushTransaction()

	for {
		select {
		case <-ctx.Done():
			log.Print("received shutdown signal, disconnecting")
			client.Disconnect(250)
			return
		case <-heartbeatTicker.C:
			heartbeat()
		case <-transactionTicker.C:
			pushTransaction()
		}
	}
}
