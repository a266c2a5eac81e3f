package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"banking-ledger/internal/config"
	"banking-ledger/internal/server"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const integrationSecret = "integration-secret"

type IntegrationTestSuite struct {
	suite.Suite
	postgresContainer testcontainers.Container
	serverInstance    *server.Server
	baseURL           string
	client            *http.Client

	aliceToken string
	bobToken   string

	aliceAccount map[string]interface{}
	bobAccount   map[string]interface{}
}

func (suite *IntegrationTestSuite) SetupSuite() {
	ctx := context.Background()

	containerReq := testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       "banking_ledger",
			"POSTGRES_USER":     "postgres",
			"POSTGRES_PASSWORD": "password",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	postgresContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: containerReq,
		Started:          true,
	})
	if err != nil {
		suite.T().Fatalf("Failed to start postgres container: %s", err)
	}
	suite.postgresContainer = postgresContainer

	host, err := postgresContainer.Host(ctx)
	if err != nil {
		suite.T().Fatalf("Failed to get container host: %s", err)
	}

	port, err := postgresContainer.MappedPort(ctx, "5432")
	if err != nil {
		suite.T().Fatalf("Failed to get mapped port: %s", err)
	}

	// Migrations run through AUTO_MIGRATE on startup.
	cfg := &config.Config{
		ServerPort:               "0",
		StorageDriver:            config.StorageDriverPostgres,
		AutoMigrate:              true,
		DBHost:                   host,
		DBPort:                   port.Port(),
		DBUser:                   "postgres",
		DBPassword:               "password",
		DBName:                   "banking_ledger",
		DBSSLMode:                "disable",
		JWTSecret:                integrationSecret,
		KafkaTransactionTopic:    "transaction-events",
		KafkaReconciliationTopic: "transfer-reconciliation",
		TransferMaxRetries:       3,
		TransferRetryInterval:    10 * time.Millisecond,
		MaxTransferAmount:        decimal.NewFromInt(10000),
	}

	serverInstance, serverPort, err := server.StartServer(cfg)
	if err != nil {
		suite.T().Fatalf("Failed to start application server: %s", err)
	}
	suite.serverInstance = serverInstance
	suite.baseURL = "http://localhost:" + serverPort

	suite.client = &http.Client{
		Timeout: 30 * time.Second,
	}
	suite.aliceToken = suite.token("alice")
	suite.bobToken = suite.token("bob")

	if err := suite.waitForServerReady(); err != nil {
		suite.T().Fatal(err)
	}
}

func (suite *IntegrationTestSuite) waitForServerReady() error {
	timeout := 30 * time.Second
	start := time.Now()

	for time.Since(start) < timeout {
		resp, err := http.Get(suite.baseURL + "/health")
		if err == nil && resp.StatusCode == http.StatusOK {
			resp.Body.Close()
			return nil
		}
		if resp != nil {
			resp.Body.Close()
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("server not ready after %v", timeout)
}

func (suite *IntegrationTestSuite) TearDownSuite() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if suite.serverInstance != nil {
		suite.serverInstance.Stop(ctx)
	}

	if suite.postgresContainer != nil {
		suite.postgresContainer.Terminate(ctx)
	}
}

func (suite *IntegrationTestSuite) token(userID string) string {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(integrationSecret))
	require.NoError(suite.T(), err)
	return token
}

// call performs an authenticated request and returns the status and raw body
func (suite *IntegrationTestSuite) call(token, method, path string, body interface{}) (int, string) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(suite.T(), err)
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, suite.baseURL+path, reader)
	require.NoError(suite.T(), err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := suite.client.Do(req)
	require.NoError(suite.T(), err)
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(respBody)
}

func (suite *IntegrationTestSuite) parseObject(body string) map[string]interface{} {
	var response map[string]interface{}
	if err := json.Unmarshal([]byte(body), &response); err != nil {
		suite.T().Fatalf("Failed to parse response: %s", body)
	}
	return response
}

func (suite *IntegrationTestSuite) parseList(body string) []interface{} {
	var response []interface{}
	if err := json.Unmarshal([]byte(body), &response); err != nil {
		suite.T().Fatalf("Failed to parse response: %s", body)
	}
	return response
}

func (suite *IntegrationTestSuite) transfer(token string, from map[string]interface{}, toNumber string, amount string) (int, map[string]interface{}) {
	status, body := suite.call(token, http.MethodPost, "/transactions/transfer", map[string]interface{}{
		"fromAccountId":   from["id"],
		"toAccountNumber": toNumber,
		"amount":          amount,
		"description":     "integration",
	})
	suite.T().Logf("Transfer Response: %s", body)
	return status, suite.parseObject(body)
}

func (suite *IntegrationTestSuite) balanceOf(token string, account map[string]interface{}) string {
	status, body := suite.call(token, http.MethodGet, fmt.Sprintf("/accounts/%s/balance", account["id"]), nil)
	require.Equal(suite.T(), http.StatusOK, status, body)
	return numberString(suite.parseObject(body)["balance"])
}

// numberString renders a JSON number decoded into interface{} as a decimal string
func numberString(v interface{}) string {
	f, ok := v.(float64)
	if !ok {
		return fmt.Sprint(v)
	}
	return decimal.NewFromFloat(f).String()
}

// Helper to compare decimal values properly
func (suite *IntegrationTestSuite) assertDecimalEqual(expected, actual string) {
	expectedDec, err := decimal.NewFromString(expected)
	if err != nil {
		suite.T().Fatalf("Invalid expected decimal: %s", expected)
	}

	actualDec, err := decimal.NewFromString(actual)
	if err != nil {
		suite.T().Fatalf("Invalid actual decimal: %s", actual)
	}

	assert.True(suite.T(), expectedDec.Equal(actualDec),
		"Decimal values not equal: expected %s, got %s", expected, actual)
}

// ------------------------------------------------------------------
// Steps run in the order TestFlow invokes them and share state.
// ------------------------------------------------------------------

func (suite *IntegrationTestSuite) stepHealthCheck() {
	status, body := suite.call("", http.MethodGet, "/health", nil)
	assert.Equal(suite.T(), http.StatusOK, status)
	assert.Equal(suite.T(), "healthy", suite.parseObject(body)["status"])
}

func (suite *IntegrationTestSuite) stepUnauthenticated() {
	status, body := suite.call("", http.MethodGet, "/accounts", nil)
	assert.Equal(suite.T(), http.StatusUnauthorized, status)
	assert.Equal(suite.T(), "unauthorized", suite.parseObject(body)["code"])
}

func (suite *IntegrationTestSuite) stepCreateAccounts() {
	status, body := suite.call(suite.aliceToken, http.MethodPost, "/accounts", map[string]string{"accountType": "CHECKING", "currency": "EUR"})
	suite.T().Logf("Create Account Response: %s", body)
	require.Equal(suite.T(), http.StatusCreated, status)
	suite.aliceAccount = suite.parseObject(body)

	status, body = suite.call(suite.bobToken, http.MethodPost, "/accounts", map[string]string{"accountType": "SAVINGS"})
	suite.T().Logf("Create Account Response: %s", body)
	require.Equal(suite.T(), http.StatusCreated, status)
	suite.bobAccount = suite.parseObject(body)

	assert.Equal(suite.T(), "ACTIVE", suite.aliceAccount["status"])
	assert.Equal(suite.T(), "EUR", suite.bobAccount["currency"])
	assert.NotEqual(suite.T(), suite.aliceAccount["accountNumber"], suite.bobAccount["accountNumber"])

	status, body = suite.call(suite.aliceToken, http.MethodGet, "/accounts", nil)
	assert.Equal(suite.T(), http.StatusOK, status)
	assert.Len(suite.T(), suite.parseList(body), 1)
}

func (suite *IntegrationTestSuite) stepDeposits() {
	status, body := suite.call(suite.aliceToken, http.MethodPost, fmt.Sprintf("/accounts/%s/deposit", suite.aliceAccount["id"]), map[string]string{"amount": "500.00"})
	require.Equal(suite.T(), http.StatusCreated, status, body)
	assert.Equal(suite.T(), "COMPLETED", suite.parseObject(body)["status"])

	status, body = suite.call(suite.bobToken, http.MethodPost, fmt.Sprintf("/accounts/%s/deposit", suite.bobAccount["id"]), map[string]string{"amount": "50.00"})
	require.Equal(suite.T(), http.StatusCreated, status, body)

	suite.assertDecimalEqual("500.00", suite.balanceOf(suite.aliceToken, suite.aliceAccount))
	suite.assertDecimalEqual("50.00", suite.balanceOf(suite.bobToken, suite.bobAccount))
}

func (suite *IntegrationTestSuite) stepSuccessfulTransfer() {
	status, outgoing := suite.transfer(suite.aliceToken, suite.aliceAccount, suite.bobAccount["accountNumber"].(string), "200.00")
	require.Equal(suite.T(), http.StatusCreated, status)

	assert.Equal(suite.T(), "TRANSFER_OUT", outgoing["type"])
	assert.Equal(suite.T(), "COMPLETED", outgoing["status"])
	suite.assertDecimalEqual("200.00", numberString(outgoing["amount"]))

	suite.assertDecimalEqual("300.00", suite.balanceOf(suite.aliceToken, suite.aliceAccount))
	suite.assertDecimalEqual("250.00", suite.balanceOf(suite.bobToken, suite.bobAccount))

	status, body := suite.call(suite.bobToken, http.MethodGet, fmt.Sprintf("/transactions/account/%s", suite.bobAccount["id"]), nil)
	require.Equal(suite.T(), http.StatusOK, status)
	history := suite.parseList(body)
	require.Len(suite.T(), history, 2)

	incoming := history[0].(map[string]interface{})
	assert.Equal(suite.T(), "TRANSFER_IN", incoming["type"])
	assert.Equal(suite.T(), "COMPLETED", incoming["status"])
	assert.Equal(suite.T(), outgoing["referenceId"], incoming["referenceId"])

	status, body = suite.call(suite.aliceToken, http.MethodGet, fmt.Sprintf("/transactions/%s", outgoing["id"]), nil)
	assert.Equal(suite.T(), http.StatusOK, status)
	assert.Equal(suite.T(), outgoing["id"], suite.parseObject(body)["id"])
}

func (suite *IntegrationTestSuite) stepInsufficientBalance() {
	status, response := suite.transfer(suite.aliceToken, suite.aliceAccount, suite.bobAccount["accountNumber"].(string), "300.01")
	assert.Equal(suite.T(), http.StatusBadRequest, status)
	assert.Equal(suite.T(), "insufficient_funds", response["code"])

	suite.assertDecimalEqual("300.00", suite.balanceOf(suite.aliceToken, suite.aliceAccount))
}

func (suite *IntegrationTestSuite) stepRejectedTransfers() {
	tests := []struct {
		name   string
		to     string
		amount string
		status int
		code   string
	}{
		{"zero amount", suite.bobAccount["accountNumber"].(string), "0.00", http.StatusBadRequest, "invalid_amount"},
		{"negative amount", suite.bobAccount["accountNumber"].(string), "-100.00", http.StatusBadRequest, "invalid_amount"},
		{"three decimals", suite.bobAccount["accountNumber"].(string), "1.001", http.StatusBadRequest, "invalid_amount"},
		{"same account", suite.aliceAccount["accountNumber"].(string), "10.00", http.StatusBadRequest, "same_account_transfer"},
		{"unknown destination", "FR7600000000000000000000000", "10.00", http.StatusNotFound, "destination_not_found"},
	}

	for _, tt := range tests {
		status, response := suite.transfer(suite.aliceToken, suite.aliceAccount, tt.to, tt.amount)
		assert.Equal(suite.T(), tt.status, status, tt.name)
		assert.Equal(suite.T(), tt.code, response["code"], tt.name)
	}

	// Bob cannot spend from Alice's account.
	status, response := suite.transfer(suite.bobToken, suite.aliceAccount, suite.bobAccount["accountNumber"].(string), "10.00")
	assert.Equal(suite.T(), http.StatusNotFound, status)
	assert.Equal(suite.T(), "account_not_found", response["code"])

	suite.assertDecimalEqual("300.00", suite.balanceOf(suite.aliceToken, suite.aliceAccount))
}

func (suite *IntegrationTestSuite) stepConcurrentTransfers() {
	// Ten transfers of 30.00 drain exactly the remaining 300.00.
	var wg sync.WaitGroup
	statuses := make([]int, 10)
	for i := range statuses {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			statuses[i], _ = suite.call(suite.aliceToken, http.MethodPost, "/transactions/transfer", map[string]interface{}{
				"fromAccountId":   suite.aliceAccount["id"],
				"toAccountNumber": suite.bobAccount["accountNumber"],
				"amount":          "30.00",
			})
		}(i)
	}
	wg.Wait()

	for _, status := range statuses {
		assert.Equal(suite.T(), http.StatusCreated, status)
	}
	suite.assertDecimalEqual("0.00", suite.balanceOf(suite.aliceToken, suite.aliceAccount))
	suite.assertDecimalEqual("550.00", suite.balanceOf(suite.bobToken, suite.bobAccount))
}

func (suite *IntegrationTestSuite) stepOppositeDirections() {
	status, _ := suite.transfer(suite.bobToken, suite.bobAccount, suite.aliceAccount["accountNumber"].(string), "100.00")
	require.Equal(suite.T(), http.StatusCreated, status)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			suite.transfer(suite.aliceToken, suite.aliceAccount, suite.bobAccount["accountNumber"].(string), "1.00")
		}()
		go func() {
			defer wg.Done()
			suite.transfer(suite.bobToken, suite.bobAccount, suite.aliceAccount["accountNumber"].(string), "1.00")
		}()
	}
	wg.Wait()

	alice, _ := decimal.NewFromString(suite.balanceOf(suite.aliceToken, suite.aliceAccount))
	bob, _ := decimal.NewFromString(suite.balanceOf(suite.bobToken, suite.bobAccount))
	assert.True(suite.T(), alice.Add(bob).Equal(decimal.NewFromInt(550)), "money is conserved: %s + %s", alice, bob)
}

func (suite *IntegrationTestSuite) stepPaginatedHistory() {
	status, body := suite.call(suite.aliceToken, http.MethodGet, fmt.Sprintf("/transactions/account/%s/paginated?page=0&size=5", suite.aliceAccount["id"]), nil)
	require.Equal(suite.T(), http.StatusOK, status, body)

	page := suite.parseObject(body)
	assert.Len(suite.T(), page["content"], 5)
	total := int(page["totalElements"].(float64))
	assert.Greater(suite.T(), total, 10)
	assert.Equal(suite.T(), float64((total+4)/5), page["totalPages"])

	status, body = suite.call(suite.aliceToken, http.MethodGet, "/transactions/paginated?size=500", nil)
	require.Equal(suite.T(), http.StatusOK, status)
	assert.Equal(suite.T(), float64(100), suite.parseObject(body)["size"])
}

func (suite *IntegrationTestSuite) stepInactiveDestination() {
	status, body := suite.call(suite.bobToken, http.MethodPatch, fmt.Sprintf("/accounts/%s/suspend", suite.bobAccount["id"]), nil)
	require.Equal(suite.T(), http.StatusOK, status, body)

	status, response := suite.transfer(suite.aliceToken, suite.aliceAccount, suite.bobAccount["accountNumber"].(string), "1.00")
	assert.Equal(suite.T(), http.StatusConflict, status)
	assert.Equal(suite.T(), "account_not_active", response["code"])

	status, _ = suite.call(suite.bobToken, http.MethodPatch, fmt.Sprintf("/accounts/%s/activate", suite.bobAccount["id"]), nil)
	assert.Equal(suite.T(), http.StatusOK, status)
}

func (suite *IntegrationTestSuite) stepAccountNotFound() {
	status, body := suite.call(suite.aliceToken, http.MethodGet, "/accounts/00000000-0000-0000-0000-000000000001", nil)
	assert.Equal(suite.T(), http.StatusNotFound, status)
	assert.Equal(suite.T(), "account_not_found", suite.parseObject(body)["code"])
}

func (suite *IntegrationTestSuite) stepNoReconciliationNeeded() {
	status, body := suite.call(suite.aliceToken, http.MethodGet, "/reconciliation", nil)
	assert.Equal(suite.T(), http.StatusOK, status)
	assert.Empty(suite.T(), suite.parseList(body))
}

func (suite *IntegrationTestSuite) TestFlow() {
	if testing.Short() {
		suite.T().Skip("Skipping integration test in short mode")
	}

	suite.stepHealthCheck()
	suite.stepUnauthenticated()
	suite.stepCreateAccounts()
	suite.stepDeposits()
	suite.stepSuccessfulTransfer()
	suite.stepInsufficientBalance()
	suite.stepRejectedTransfers()
	suite.stepConcurrentTransfers()
	suite.stepOppositeDirections()
	suite.stepPaginatedHistory()
	suite.stepInactiveDestination()
	suite.stepAccountNotFound()
	suite.stepNoReconciliationNeeded()
}

func TestIntegrationTestSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	suite.Run(t, new(IntegrationTestSuite))
}
